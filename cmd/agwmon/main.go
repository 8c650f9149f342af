package main

/*------------------------------------------------------------------
 *
 * Purpose:   	Monitor raw AX.25 traffic heard by an AGWPE network
 *		TNC.
 *
 * Description:	Enables reception of frames in raw format and prints
 *		one line per packet, addresses first, then the frame
 *		description, then any information part.
 *
 *		Example output:
 *
 *		  0: N1ABC-7>APRS,WIDE1-1* <UI pid=F0> !4237.14N/07120.83W-
 *
 * Usage:	agwmon [OPTIONS]
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"

	agwpe "github.com/jmkristian/go-agwpe/src"
)

func main() {
	var hostname = pflag.StringP("hostname", "h", agwpe.DefaultHost, "TNC hostname.")

	var port = pflag.IntP("port", "p", agwpe.DefaultPort, "TNC TCP port.")

	var configPath = pflag.String("config", "", "Station YAML file; flags override it.")

	var locate = pflag.Bool("locate", false, "Browse the local network for a TNC instead of --hostname.")

	var verbose = pflag.BoolP("verbose", "v", false, "More logging.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - print every packet the TNC hears\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	var logger agwpe.Logger
	if *verbose {
		logger = agwpe.NewLogger(os.Stderr)
	}

	var opts = agwpe.ServerOptions{Host: *hostname, Port: *port, Logger: logger}

	if *configPath != "" {
		var station, loadErr = agwpe.LoadStationConfig(*configPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "%s\n", loadErr)
			os.Exit(1)
		}

		opts = station.ServerOptions(logger)
		if pflag.Lookup("hostname").Changed || opts.Host == "" {
			opts.Host = *hostname
		}

		if pflag.Lookup("port").Changed || opts.Port == 0 {
			opts.Port = *port
		}
	}

	if *locate {
		var found, locateErr = agwpe.LocateTNCTimeout(3 * time.Second)
		if locateErr != nil || len(found) == 0 {
			fmt.Fprintf(os.Stderr, "No TNC found on the local network.\n")
			os.Exit(1)
		}

		fmt.Printf("Using TNC '%s' at %s:%d\n", found[0].Name, found[0].Host, found[0].Port)
		opts.Host = found[0].Host
		opts.Port = found[0].Port
	}

	var server = agwpe.NewServer(opts)
	defer server.Close()

	var raw, openErr = server.OpenRaw()
	if openErr != nil {
		fmt.Fprintf(os.Stderr, "Could not attach to network TNC %s:%d: %s\n", opts.Host, opts.Port, openErr)
		os.Exit(1)
	}

	fmt.Printf("Monitoring %s:%d.  Ctrl-C to stop.\n", opts.Host, opts.Port)

	for {
		var packet, recvErr = raw.Recv()
		if recvErr != nil {
			fmt.Fprintf(os.Stderr, "%s\n", recvErr)
			os.Exit(1)
		}

		fmt.Printf("%s\n", formatPacket(packet))
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        formatPacket
 *
 * Purpose:     One line per packet in the usual monitoring format.
 *
 *--------------------------------------------------------------------*/

func formatPacket(p *agwpe.Packet) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%d: %s>%s", p.Port, p.FromAddress, p.ToAddress)

	for _, digi := range p.Via {
		fmt.Fprintf(&sb, ",%s", digi.Address)

		if digi.Repeated {
			sb.WriteByte('*')
		}
	}

	switch p.Type {
	case agwpe.TypeUI, agwpe.TypeI:
		fmt.Fprintf(&sb, " <%s pid=%02X>", p.Type, p.PID)
	default:
		fmt.Fprintf(&sb, " <%s>", p.Type)
	}

	if len(p.Info) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(printable(p.Info))
	}

	return sb.String()
}

// printable keeps binary payloads from scribbling on the terminal.
func printable(info []byte) string {
	var sb strings.Builder

	for _, b := range info {
		var r = rune(b)
		switch {
		case r == '\r' || r == '\n':
			sb.WriteByte(' ')
		case r < 0x80 && unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "<0x%02x>", b)
		}
	}

	return sb.String()
}
