package main

/*------------------------------------------------------------------
 *
 * Purpose:   	Interactive converse terminal for connected mode
 *		AX.25 through an AGWPE network TNC.
 *
 * Description:	Dials the remote station, relays keyboard input to
 *		the connection line by line, and prints whatever the
 *		other station sends.  EOF (Ctrl-D) disconnects
 *		gracefully: buffered data drains first, then the
 *		disconnect, then the optional station ID.
 *
 * Usage:	agwterm [OPTIONS] MYCALL THEIRCALL
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/term/termios"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	agwpe "github.com/jmkristian/go-agwpe/src"
)

/* Give the TNC this long to finish the disconnect sequence. */
const disconnectGrace = 10 * time.Second

func main() {
	var hostname = pflag.StringP("hostname", "h", agwpe.DefaultHost, "TNC hostname.")

	var port = pflag.IntP("port", "p", agwpe.DefaultPort, "TNC TCP port.")

	var tncPort = pflag.Int("tncport", 0, "TNC radio port number, first is 0.")

	var via = pflag.StringSlice("via", nil, "Digipeater path, e.g. WIDE1-1,WIDE2-1.")

	var id = pflag.String("id", "", "Station identification sent when disconnecting.")

	var configPath = pflag.String("config", "", "Station YAML file; flags override it.")

	var locate = pflag.Bool("locate", false, "Browse the local network for a TNC instead of --hostname.")

	var verbose = pflag.BoolP("verbose", "v", false, "More logging.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - converse with another station over AX.25\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] MYCALL THEIRCALL\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	var logger agwpe.Logger
	if *verbose {
		logger = agwpe.NewLogger(os.Stderr)
	}

	var station = &agwpe.StationConfig{}
	if *configPath != "" {
		var loaded, loadErr = agwpe.LoadStationConfig(*configPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "%s\n", loadErr)
			os.Exit(1)
		}

		station = loaded
	}

	var mycall, theircall string
	switch pflag.NArg() {
	case 2:
		mycall = pflag.Arg(0)
		theircall = pflag.Arg(1)
	case 1:
		mycall = station.MyCall
		theircall = pflag.Arg(0)
	default:
		pflag.Usage()
		os.Exit(1)
	}

	if mycall == "" {
		fmt.Fprintf(os.Stderr, "No call sign of our own; give MYCALL or put mycall in the station file.\n")
		os.Exit(1)
	}

	var opts = station.ServerOptions(logger)
	if pflag.Lookup("hostname").Changed || opts.Host == "" {
		opts.Host = *hostname
	}

	if pflag.Lookup("port").Changed || opts.Port == 0 {
		opts.Port = *port
	}

	if *id != "" {
		opts.ID = *id
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

	var viaPath = *via
	if len(viaPath) == 0 {
		viaPath = station.Via
	}

	var server = agwpe.NewServer(opts)
	defer server.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)

	var conn, dialErr = server.Dial(ctx, agwpe.ConnectOptions{
		LocalPort:     *tncPort,
		LocalAddress:  mycall,
		RemoteAddress: theircall,
		Via:           viaPath,
	})

	cancel()

	if dialErr != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to %s: %s\n", theircall, dialErr)
		os.Exit(1)
	}

	fmt.Printf("%s\n", strings.TrimSpace(conn.Banner()))
	fmt.Printf("Connected to %s.  Ctrl-D to disconnect.\n", conn.RemoteAddr())

	/*
	 * Line buffered is friendlier for packet: one frame per line
	 * instead of one per keystroke.  Make sure canonical input,
	 * echo and signals are on.
	 */
	restoreTerminal()

	// Remote to screen.
	go func() {
		var buf = make([]byte, 1024)
		for {
			var n, readErr = conn.Read(buf)
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}

			if readErr != nil {
				if readErr != io.EOF {
					fmt.Fprintf(os.Stderr, "\n%s\n", readErr)
				}

				fmt.Printf("\n*** Disconnected\n")
				os.Exit(0)
			}
		}
	}()

	// Keyboard to remote.
	var stdin = bufio.NewReader(os.Stdin)
	for {
		var line, readErr = stdin.ReadString('\n')
		if len(line) > 0 {
			// AX.25 applications expect CR line endings.
			line = strings.TrimSuffix(line, "\n") + "\r"

			if _, writeErr := conn.Write([]byte(line)); writeErr != nil {
				fmt.Fprintf(os.Stderr, "%s\n", writeErr)

				break
			}
		}

		if readErr != nil {
			break
		}
	}

	/*
	 * Graceful disconnect: everything accepted so far is
	 * transmitted before the 'd' goes out.  Give it a while, but
	 * not forever.
	 */
	fmt.Printf("Disconnecting...\n")
	conn.Close()

	var done = make(chan struct{})
	go func() {
		var buf [64]byte
		for {
			if _, readErr := conn.Read(buf[:]); readErr != nil {
				close(done)

				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(disconnectGrace):
		conn.Destroy()
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        restoreTerminal
 *
 * Purpose:     Make sure the terminal is in sane cooked mode.
 *
 * Description:	Some terminals are left raw by whatever ran before
 *		us; converse wants canonical line input.
 *
 *--------------------------------------------------------------------*/

func restoreTerminal() {
	var fd = os.Stdin.Fd()

	var attr unix.Termios

	var getErr = termios.Tcgetattr(fd, &attr)
	if getErr != nil {
		return /* not a terminal; fine for pipes */
	}

	attr.Lflag |= unix.ICANON | unix.ECHO | unix.ISIG

	termios.Tcsetattr(fd, termios.TCSANOW, &attr)
}
