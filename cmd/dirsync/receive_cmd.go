package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openmined/dirsync/internal/logging"
	"github.com/openmined/dirsync/internal/transfer"
	"github.com/openmined/dirsync/internal/utils"
)

func newReceiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept files replicated by a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			dir, _ := cmd.Flags().GetString("dir")
			maxConns, _ := cmd.Flags().GetInt64("max-conns")
			maxSize, _ := cmd.Flags().GetString("max-size")

			if dir == "" {
				return errors.New("--dir is required")
			}
			root, err := utils.ResolvePath(dir)
			if err != nil {
				return err
			}
			opts := []transfer.ReceiverOption{transfer.WithMaxConns(maxConns)}
			if maxSize != "" {
				n, err := humanize.ParseBytes(maxSize)
				if err != nil {
					return fmt.Errorf("--max-size: %w", err)
				}
				opts = append(opts, transfer.WithMaxFileSize(n))
			}
			cmd.SilenceUsage = true

			level, err := logging.ParseLevel(cmd.Flag("log-level").Value.String())
			if err != nil {
				return err
			}
			sinks, err := logging.Setup(logging.Options{Level: level, Console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer sinks.Close()

			recv := transfer.NewReceiver(root, opts...)
			if err := recv.Listen(listen); err != nil {
				return err
			}
			defer recv.Close()

			slog.Info("receiving", "addr", recv.Addr().String(), "dir", root)
			return recv.Serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", fmt.Sprintf(":%d", transfer.DefaultPort), "Address to accept peers on")
	cmd.Flags().String("dir", "", "Directory receiving the files")
	cmd.Flags().Int64("max-conns", transfer.DefaultMaxConns, "Concurrent connections")
	cmd.Flags().String("max-size", "", "Largest accepted file, e.g. 2GB (default unlimited)")
	return cmd
}
