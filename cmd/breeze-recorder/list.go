package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/encoder"
)

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "List attached monitors and their ordinals",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := capture.DefaultBackend(0)
		mons, err := b.Monitors()
		if err != nil {
			return fmt.Errorf("enumerate monitors: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ORDINAL\tNAME\tSIZE\tPOSITION\tPRIMARY")
		for _, m := range mons {
			fmt.Fprintf(w, "%d\t%s\t%dx%d\t%d,%d\t%v\n", m.Ordinal, m.Name, m.Width, m.Height, m.X, m.Y, m.Primary)
		}
		return w.Flush()
	},
}

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List visible windows that can be recorded with --window",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := capture.DefaultBackend(0)
		lister, ok := b.(capture.WindowLister)
		if !ok {
			return fmt.Errorf("window capture is not supported by the %s backend", b.Name())
		}
		wins, err := lister.ListWindows()
		if err != nil {
			return fmt.Errorf("enumerate windows: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HANDLE\tSIZE\tTITLE")
		for _, win := range wins {
			fmt.Fprintf(w, "0x%x\t%dx%d\t%s\n", win.Handle, win.Width, win.Height, win.Title)
		}
		return w.Flush()
	},
}

var codecsCmd = &cobra.Command{
	Use:   "codecs",
	Short: "List codecs and the sinks that can encode them here",
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath := ""
		if cfg, err := loadConfigQuiet(); err == nil {
			cfgPath = cfg.FFmpegPath
		}
		opts := encoder.SinkOptions{FFmpegPath: cfgPath}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CODEC\tFOURCC\tSINKS")
		for _, c := range encoder.Codecs() {
			f, _ := encoder.FormatFor(c)
			var sinks []string
			for _, name := range encoder.SinkNames() {
				sf, err := encoder.NewSinkFactory(name, opts)
				if err == nil && sf.Available() && sf.Supports(c) {
					sinks = append(sinks, name)
				}
			}
			if len(sinks) == 0 {
				sinks = []string{"-"}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", c, f.FourCC, strings.Join(sinks, ","))
		}
		w.Flush()
	},
}
