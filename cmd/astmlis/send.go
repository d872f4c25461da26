package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// sampleMessage is a complete glucose result as an analyser would send it.
const sampleMessage = "H|\\^&|||MyLIS^1|||||P|20251101\r" +
	"P|1|123456||Doe^John\r" +
	"O|1|SMP123||^^^GLU\r" +
	"R|1|^^^GLU|5.6|mmol/L||||N\r" +
	"L|1|N\r"

func sendCmd() *cobra.Command {
	var (
		addr, file string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Act as an instrument: send one message and close",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := []byte(sampleMessage)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read message file: %w", err)
				}
				payload = b
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := sendMessage(ctx, addr, payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to %s\n", len(payload), addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5100", "listener address")
	cmd.Flags().StringVar(&file, "file", "", "send this file instead of the built-in sample")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial and write deadline")
	return cmd
}

// sendMessage writes payload and half-closes, which marks the end of the message.
func sendMessage(ctx context.Context, addr string, payload []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return fmt.Errorf("close write: %w", err)
		}
	}
	return nil
}
