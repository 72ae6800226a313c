package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/ingestion"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		port          string
		baud          int
		stdin         bool
		printReadings bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the ingestion loop only",
		Long: `Ingest reads lines from the serial port, or from stdin with --stdin, and
stores accepted readings. Reading stdin stops at end of input.

Examples:
  plantpiped ingest --port /dev/ttyUSB0 --print
  cat capture.log | plantpiped ingest --stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var sp *spool.Spool
			if a.cfg.Spool.Enabled {
				if sp, err = a.openSpool(); err != nil {
					return err
				}
				defer sp.Close()
			}

			var echo io.Writer
			if printReadings {
				echo = cmd.OutOrStdout()
			}
			p := a.newPipeline(st, sp, echo)

			var src ingestion.LineSource
			if stdin {
				src = ingestion.NewReaderSource("stdin", cmd.InOrStdin(), a.cfg.Serial.ReadTimeout, a.cfg.Serial.MaxLineBytes)
			} else {
				if port == "" {
					port = a.cfg.Serial.Port
				}
				if baud <= 0 {
					baud = a.cfg.Serial.Baud
				}
				src = a.serialSource(port, baud)
			}
			defer src.Close()

			return p.Run(ctx, src)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "serial device (overrides config)")
	cmd.Flags().IntVar(&baud, "baud", 0, "baud rate (overrides config)")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read lines from stdin instead of the serial port")
	cmd.Flags().BoolVar(&printReadings, "print", false, "echo stored readings to stdout as JSON lines")
	cmd.MarkFlagsMutuallyExclusive("stdin", "port")
	return cmd
}
