package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atinyakov/ReliefNet/internal/config"
	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/atinyakov/ReliefNet/internal/netmode"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	userID   string
	userType string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node until interrupted",
	Long: `Run the node: probe connectivity every few seconds, switch between the
cloud, LAN and mesh transports as connectivity changes and sync the active
transport periodically.

Example usage:
  reliefnode run --user U1 --type volunteer
  reliefnode run --user HQ --type authority --mode.prefer_lan`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, err := currentUser()
		if err != nil {
			return err
		}
		log := logs.Log

		n, err := buildNode(opts, log)
		if err != nil {
			return err
		}
		defer n.close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg.Watch(log, func(o *config.Options) {
			if err := logs.SetLevel(o.Log.Level); err != nil {
				log.Warn("invalid log level in config", zap.String("level", o.Log.Level), zap.Error(err))
			}
		})
		n.startBacklogMonitor(ctx, opts, log)

		n.ctl.AddNetworkStatusListener(func(s netmode.Status) {
			pterm.Info.Printfln("mode %s (internet: %t, peers: %d)", s.Mode, s.Internet, s.Peers)
		})
		n.ctl.AddMessageListener(func(m models.Message) {
			pterm.Println(pterm.LightCyan(m.SenderID) + " [" + m.ChannelID + "] " + m.Content)
		})

		n.ctl.Initialize(ctx, user)
		pterm.Success.Printfln("node %s running as %s", n.id, models.RoleFor(user.Type))
		pterm.Info.Println(n.ctl.NetworkStatusSummary())

		<-ctx.Done()
		pterm.Info.Println("shutting down")
		return nil
	},
}

func currentUser() (models.User, error) {
	t := models.UserType(strings.ToUpper(userType))
	switch t {
	case models.Authority, models.Volunteer, models.Survivor:
	default:
		return models.User{}, fmt.Errorf("unknown user type %q", userType)
	}
	if userID == "" {
		return models.User{}, errors.New("--user is required")
	}
	return models.User{ID: userID, Type: t}, nil
}

func init() {
	for _, c := range []*cobra.Command{runCmd, sendCmd} {
		c.Flags().StringVarP(&userID, "user", "u", "", "id of the user operating this node")
		c.Flags().StringVarP(&userType, "type", "t", "survivor", "user type: survivor, volunteer or authority")
	}
	rootCmd.AddCommand(runCmd)
}
