package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Station configuration file.
 *
 * Description:	The cmd/ programs share one small YAML file so the
 *		operator does not retype the TNC address and call sign
 *		for every invocation:
 *
 *		    host: 127.0.0.1
 *		    port: 8000
 *		    mycall: N0CALL-7
 *		    id: "N0CALL station"
 *		    framelength: 128
 *		    via: [WIDE1-1]
 *
 *		Everything is optional; flags override.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type StationConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	MyCall      string   `yaml:"mycall"`
	ID          string   `yaml:"id"`
	FrameLength int      `yaml:"framelength"`
	Via         []string `yaml:"via"`
}

func LoadStationConfig(path string) (*StationConfig, error) {
	var data, readErr = os.ReadFile(path)
	if readErr != nil {
		return nil, readErr
	}

	var c StationConfig

	var unmarshalErr = yaml.Unmarshal(data, &c)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("station file %s: %w", path, unmarshalErr)
	}

	if c.MyCall != "" {
		var call, validErr = ValidateCallSign(c.MyCall)
		if validErr != nil {
			return nil, fmt.Errorf("station file %s: %w", path, validErr)
		}

		c.MyCall = call
	}

	return &c, nil
}

// ServerOptions translates the file into options for NewServer.
func (c *StationConfig) ServerOptions(log Logger) ServerOptions {
	return ServerOptions{
		Host:        c.Host,
		Port:        c.Port,
		FrameLength: c.FrameLength,
		ID:          c.ID,
		Logger:      log,
	}
}
