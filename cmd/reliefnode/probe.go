package main

import (
	"context"
	"strconv"
	"time"

	"github.com/atinyakov/ReliefNet/internal/discovery"
	"github.com/atinyakov/ReliefNet/internal/netmode"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var probeWait time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report connectivity, nearby peers and the mode a node would pick",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		p := prober(opts)

		probeCtx, cancel := context.WithTimeout(ctx, opts.Mode.ProbeTimeout)
		internet, internetErr := p.InternetReachable(probeCtx)
		cancel()
		local, _ := p.LocalReachable(ctx)

		spinner, _ := pterm.DefaultSpinner.Start("browsing for nearby nodes")
		d := discovery.New(discovery.Options{
			Service:        opts.Discovery.Service,
			Domain:         opts.Discovery.Domain,
			NodeID:         "probe-" + strconv.FormatInt(time.Now().UnixNano(), 36),
			BrowseInterval: probeWait,
			PeerTTL:        time.Hour,
		}, logs.Log.Named("discovery"), discovery.WithRegister(noAdvertise))
		if err := d.StartDiscovery(ctx); err != nil {
			spinner.Fail(err.Error())
		} else {
			time.Sleep(probeWait)
			spinner.Success()
		}
		peers := d.DiscoveredPeers()
		_, lanServer := d.FindLocalServer()
		d.StopDiscovery()

		mode := netmode.DecideMode(internet, len(peers), opts.Mode.PreferLAN, lanServer)

		rows := pterm.TableData{
			{"Check", "Result"},
			{"Internet", yesNo(internet)},
			{"Local network", yesNo(local)},
			{"Nearby peers", strconv.Itoa(len(peers))},
			{"LAN server", yesNo(lanServer)},
			{"Mode", mode.String()},
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		if internetErr != nil {
			pterm.Debug.Println(internetErr)
		}

		if len(peers) > 0 {
			peerRows := pterm.TableData{{"Name", "Address", "Port", "Server"}}
			for _, p := range peers {
				peerRows = append(peerRows, []string{p.Name, p.Address, strconv.Itoa(p.Port), yesNo(p.IsServer)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(peerRows).Render()
		}
		return nil
	},
}

type silentRegistration struct{}

func (silentRegistration) Shutdown() {}

// noAdvertise keeps the probe invisible to other nodes.
func noAdvertise(string, string, string, int, []string) (discovery.Registration, error) {
	return silentRegistration{}, nil
}

func yesNo(v bool) string {
	if v {
		return pterm.Green("yes")
	}
	return pterm.Red("no")
}

func init() {
	probeCmd.Flags().DurationVar(&probeWait, "wait", 3*time.Second, "how long to browse for nearby nodes")
	rootCmd.AddCommand(probeCmd)
}
