package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/sal/pkg/sal"
)

var listenOpts struct {
	answer      string
	answerDelay time.Duration
	hangupAfter time.Duration
	noRefer     bool
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for incoming calls and answer them",
	Long: `Listen for incoming SIP calls until interrupted.

Examples:
  salphone listen --answer accept --answer-delay 2s
  salphone listen --answer busy
  SAL_SIP_LISTEN=0.0.0.0:5070 salphone listen --hangup-after 30s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ph := newPhone()
		if ph.answer, err = parseAnswerMode(listenOpts.answer); err != nil {
			return err
		}
		ph.answerDelay = listenOpts.answerDelay
		ph.hangupAfter = listenOpts.hangupAfter
		ph.followRefer = !listenOpts.noRefer

		rt, err := newRuntime(cfg, ph)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		errc := rt.start(ctx)
		rt.log.Info(ctx, "waiting for calls", sal.String("listen", cfg.SIP.Listen))

		select {
		case <-ctx.Done():
			rt.log.Info(context.Background(), "shutting down")
			return nil
		case err := <-errc:
			return err
		}
	},
}

func init() {
	f := listenCmd.Flags()
	f.StringVar(&listenOpts.answer, "answer", string(answerAccept), "incoming call handling: accept, decline, busy, ring")
	f.DurationVar(&listenOpts.answerDelay, "answer-delay", time.Second, "ringing time before accepting")
	f.DurationVar(&listenOpts.hangupAfter, "hangup-after", 0, "terminate active calls after this duration (0 keeps them)")
	f.BoolVar(&listenOpts.noRefer, "no-refer", false, "decline transfer requests instead of following them")
}
