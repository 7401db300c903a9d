package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var callOpts struct {
	subject     string
	transfer    string
	hangupAfter time.Duration
	timeout     time.Duration
}

var callCmd = &cobra.Command{
	Use:   "call <target>",
	Short: "Place an outgoing call and wait for it to end",
	Long: `Place a call to target using sip.identity from the configuration as From.

Examples:
  salphone call sip:bob@10.0.0.2:5060 --hangup-after 10s
  salphone call sip:bob@10.0.0.2 --transfer sip:carol@10.0.0.3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ph := newPhone()
		ph.hangupAfter = callOpts.hangupAfter
		ph.transferTo = callOpts.transfer

		rt, err := newRuntime(cfg, ph)
		if err != nil {
			return err
		}
		defer rt.close()

		// цикл стека живет дольше ожидания сигнала, чтобы успеть отправить BYE
		runCtx, cancelRun := context.WithCancel(cmd.Context())
		defer cancelRun()
		errc := rt.start(runCtx)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialed := make(chan error, 1)
		rt.stack.Do(func() {
			op, err := ph.dial(cfg.SIP.Identity, args[0], callOpts.subject, nil)
			if err == nil {
				ph.watched = op
			}
			dialed <- err
		})
		if err := <-dialed; err != nil {
			return fmt.Errorf("call %s: %w", args[0], err)
		}

		var deadline <-chan time.Time
		if callOpts.timeout > 0 {
			deadline = time.After(callOpts.timeout)
		}
		select {
		case <-ph.done:
			if ph.result != nil && ph.result.Status >= 300 {
				return fmt.Errorf("call ended: %w", ph.result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "call ended")
			return nil
		case <-deadline:
			return fmt.Errorf("call did not end within %s", callOpts.timeout)
		case <-ctx.Done():
			hung := make(chan struct{})
			rt.stack.Do(func() {
				if op := ph.watched; op != nil {
					_ = op.TerminateWithError(nil)
				}
				close(hung)
			})
			select {
			case <-hung:
				select {
				case <-ph.done:
				case <-time.After(2 * time.Second):
				}
			case <-time.After(time.Second):
			}
			return nil
		case err := <-errc:
			return err
		}
	},
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callOpts.subject, "subject", "", "Subject header of the INVITE")
	f.StringVar(&callOpts.transfer, "transfer", "", "blind transfer the call to this URI once answered")
	f.DurationVar(&callOpts.hangupAfter, "hangup-after", 0, "terminate the call after it has been active this long")
	f.DurationVar(&callOpts.timeout, "timeout", 0, "give up if the call has not ended after this duration")
}
