package main

import (
	"strings"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	sendChannel   string
	sendSettle    time.Duration
	sendEmergency string
)

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message, or an emergency request, and exit",
	Long: `Send one message over whatever transport is available. The node waits
for discovery and mesh links to settle before sending; without any network
the message is kept in the local store and sent by the next run.

Example usage:
  reliefnode send --user U1 "Help needed in Dhaka"
  reliefnode send --user U1 --emergency MEDICAL "two injured at the school"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := currentUser()
		if err != nil {
			return err
		}
		n, err := buildNode(opts, logs.Log)
		if err != nil {
			return err
		}
		defer n.close()

		ctx := cmd.Context()
		n.ctl.Initialize(ctx, user)
		if sendSettle > 0 {
			spinner, _ := pterm.DefaultSpinner.Start("waiting for the network to settle")
			time.Sleep(sendSettle)
			n.ctl.Evaluate(ctx)
			spinner.Success(n.ctl.NetworkStatusSummary())
		}

		text := strings.Join(args, " ")
		id := uuid.NewString()
		var ok bool
		if sendEmergency != "" {
			ok = n.ctl.SendEmergency(ctx, models.EmergencyRequest{
				ID:            id,
				RequesterID:   user.ID,
				EmergencyType: strings.ToUpper(sendEmergency),
				Description:   text,
				Status:        "OPEN",
			})
		} else {
			ok = n.ctl.SendMessageFrom(ctx, id, user.ID, text, sendChannel)
		}
		if !ok {
			pterm.Error.Printfln("%s could not be stored", id)
			return nil
		}
		if err := n.ctl.TriggerSync(ctx); err != nil {
			pterm.Warning.Printfln("sync after send: %v", err)
		}
		pterm.Success.Printfln("%s sent in %s", id, n.ctl.CurrentMode())
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendChannel, "channel", "general_chat", "chat channel")
	sendCmd.Flags().DurationVar(&sendSettle, "settle", 3*time.Second, "time to wait for peers before sending")
	sendCmd.Flags().StringVar(&sendEmergency, "emergency", "", "send an emergency request of this type instead of a message")
	rootCmd.AddCommand(sendCmd)
}
