package cmds

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/strutdbg/strut/pkg/config"
	"github.com/strutdbg/strut/pkg/logflags"
	"github.com/strutdbg/strut/pkg/version"
	"github.com/strutdbg/strut/service"
	"github.com/strutdbg/strut/service/dap"
	"github.com/strutdbg/strut/service/engine"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the debug adapter server listen address.
	addr string
	// stdio serves the protocol over stdin/stdout instead of TCP.
	stdio bool
	// backend selects the registered engine backend.
	backend string

	conf *config.Config
)

const strutLongDesc = `Strut is a debug adapter for native debug engines.

It bridges an IDE speaking the Debug Adapter Protocol (DAP) to an engine
that controls the target process, translating requests, breakpoints and
stop notifications between the two. Engine backends register themselves at
startup; pick one with --backend.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "strut",
		Short: "Strut is a Debug Adapter Protocol server for native debug engines.",
		Long:  strutLongDesc,
	}

	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debug adapter server listen address.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (see 'strut help log')")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "default", "Engine backend (see 'strut backends').")

	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a server communicating via Debug Adaptor Protocol (DAP).

The server accepts a single client connection and serves one debug session
over it; it exits when the client disconnects. With --stdio the protocol is
served over stdin/stdout instead of a TCP socket, the way most editors spawn
debug adapters.`,
		Run: dapCmd,
	}
	dapCommand.Flags().BoolVar(&stdio, "stdio", false, "Serve DAP over stdin/stdout instead of TCP.")
	rootCommand.AddCommand(dapCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "Prints the available engine backends.",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range engine.Backends() {
				fmt.Println(name)
			}
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Strut Debug Adapter\n%s\n", version.StrutVersion)
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	dap		Log all DAP messages
	engine		Log engine commands
	events		Log engine event dispatch
	telemetry	Log telemetry records

Additionally --log-dest can be used to specify where the logs should be
written. If the argument is a number it will be interpreted as a file
descriptor, otherwise as a file path.
`,
	})

	helpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		prepareFlagsForHelp(cmd)
		helpFunc(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true
	return rootCommand
}

// prepareFlagsForHelp hides root flags that a subcommand parses but does not
// use, so that its help shows only what applies. The informational
// subcommands inherit the server flags through the root command; moving the
// flags out of the root would change how cobra parses the command line.
// Destructive: cmd cannot be reused after help has run.
func prepareFlagsForHelp(cmd *cobra.Command) {
	switch cmd.Name() {
	case "backends", "version", "log":
		cmd.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
			flag.Hidden = true
		})
	}
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		var listener net.Listener
		if stdio {
			var clientConn net.Conn
			listener, clientConn = service.ListenerPipe()
			go func() {
				io.Copy(clientConn, os.Stdin)
				clientConn.Close()
			}()
			go io.Copy(os.Stdout, clientConn)
		} else {
			var err error
			listener, err = net.Listen("tcp", addr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "couldn't start listener: %s\n", err)
				return 1
			}
			fmt.Printf("DAP server listening at: %s\n", listener.Addr())
		}

		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:       listener,
			EngineBackend:  backend,
			File:           conf,
			DisconnectChan: disconnectChan,
		})
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

// waitForDisconnectSignal blocks until either a SIGINT (Ctrl-C) arrives from
// the OS or disconnectChan is closed by the server when the client
// disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
