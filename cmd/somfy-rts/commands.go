package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/somfy-rts/internal/dongle"
)

func init() {
	rootCmd.AddCommand(detectCmd, aliveCmd, factoryInfoCmd, ledCmd)

	for _, a := range []dongle.RtsAction{dongle.Up, dongle.Down, dongle.Stop, dongle.My, dongle.Prog, dongle.ProgRT, dongle.FourCycles} {
		rootCmd.AddCommand(radioCmd(a))
	}

	getAddressCmd := rangeCmd("get-address", "Print the address table entries in a range", getAddress)
	getAddressCmd.Flags().Bool("json", false, "Print one JSON object per entry")
	rootCmd.AddCommand(
		getAddressCmd,
		rangeCmd("set-address", "Program address table entries (not supported by the dongle protocol)", setAddress),
		rangeCmd("reset-address", "Clear the address table entries in a range", resetAddress),
	)

	rootCmd.AddCommand(
		maintenanceCmd("reboot", "Reboot the dongle", (*dongle.Ready).Reboot),
		maintenanceCmd("factory-reset", "Reset the dongle to factory settings, forgetting every blind", (*dongle.Ready).FactoryReset),
		maintenanceCmd("bcheck", "Run the dongle BCHECK command", (*dongle.Ready).BCheck),
		maintenanceCmd("bstart", "Run the dongle BSTART command", (*dongle.Ready).BStart),
	)
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List connected dongles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := dongle.Detect()
		if err != nil {
			return err
		}
		fmt.Printf("Found %d dongles.\n", len(devices))
		for _, d := range devices {
			fmt.Printf("  %s", d.Path)
			if d.SerialNumber != "" {
				fmt.Printf("  serial %s", d.SerialNumber)
			}
			if d.Product != "" {
				fmt.Printf("  (%s)", d.Product)
			}
			fmt.Println()
		}
		return nil
	},
}

var aliveCmd = &cobra.Command{
	Use:   "alive",
	Short: "Handshake with the dongle and print its identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReady(cmd.Context(), func(r *dongle.Ready) error {
			fmt.Printf("Handshake id: %s\n", r.DeviceID())
			resp, err := r.TestAlive(cmd.Context())
			if err != nil {
				return err
			}
			alive, err := resp.Result()
			if err != nil {
				return err
			}
			fmt.Printf("RSSI: %d\n", alive.RSSI)
			return nil
		})
	},
}

var factoryInfoCmd = &cobra.Command{
	Use:   "factory-info",
	Short: "Print the factory information block",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWaiting()
		if err != nil {
			return err
		}
		f, err := w.FactoryInfo(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()
		for _, line := range f.Lines() {
			fmt.Println(line)
		}
		return nil
	},
}

var ledCmd = &cobra.Command{
	Use:   "led <red|green> <fix|blink> <duration>",
	Short: "Drive the dongle LED",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, err := dongle.ParseLedColor(args[0])
		if err != nil {
			return err
		}
		action, err := dongle.ParseLedAction(args[1])
		if err != nil {
			return err
		}
		d, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			return fmt.Errorf("`%s` isn't a valid duration", args[2])
		}
		return withReady(cmd.Context(), func(r *dongle.Ready) error {
			resp, err := r.Led(cmd.Context(), color, action, uint16(d))
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		})
	},
}

func parseBlind(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n < firstBlind || n > lastBlind {
		return 0, fmt.Errorf("`%s` isn't a valid blind id (%d to %d)", s, firstBlind, lastBlind)
	}
	return uint8(n), nil
}

// radioCmd sends one RTS order, e.g. "somfy-rts up 3".
func radioCmd(action dongle.RtsAction) *cobra.Command {
	return &cobra.Command{
		Use:   action.String() + " <blind>",
		Short: fmt.Sprintf("Send %s to a blind", action.Tag()),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBlind(args[0])
			if err != nil {
				return err
			}
			return withReady(cmd.Context(), func(r *dongle.Ready) error {
				resp, err := r.OperateBlind(cmd.Context(), dongle.RtsCommand{Action: action, Blind: id})
				if err != nil {
					return err
				}
				_, err = resp.Result()
				return err
			})
		},
	}
}

type rangeFunc func(cmd *cobra.Command, r *dongle.Ready, id uint8) error

func rangeCmd(name, short string, fn rangeFunc) *cobra.Command {
	return &cobra.Command{
		Use:     name + " <range>",
		Short:   short,
		Example: fmt.Sprintf("  somfy-rts %s 1..20\n  somfy-rts %s 3..=3", name, name),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseBlindRange(args[0])
			if err != nil {
				return fmt.Errorf("invalid range: %w", err)
			}
			return withReady(cmd.Context(), func(r *dongle.Ready) error {
				for _, id := range ids {
					if err := fn(cmd, r, id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func getAddress(cmd *cobra.Command, r *dongle.Ready, id uint8) error {
	resp, err := r.GetBlind(cmd.Context(), id)
	if err != nil {
		return err
	}
	if outputJSON(cmd) {
		return printJSON(id, resp)
	}
	fmt.Println(resp)
	return nil
}

func setAddress(cmd *cobra.Command, r *dongle.Ready, id uint8) error {
	_, err := r.SetBlind(cmd.Context(), id, 0, 0)
	return err
}

func resetAddress(cmd *cobra.Command, r *dongle.Ready, id uint8) error {
	resp, err := r.RemoveBlind(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Println(resp)
	return nil
}

func outputJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(id uint8, resp dongle.Response[dongle.AddressVal]) error {
	out := map[string]any{"id": id, "ok": resp.OK()}
	if resp.OK() {
		val := resp.Payload()
		out["address"], _ = val.AddressHex()
		out["rollingCode"], _ = val.RollingCodeHex()
		out["inUse"] = val.InUse()
	} else {
		out["error"] = resp.Message()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func maintenanceCmd(name, short string, fn func(*dongle.Ready, context.Context) (dongle.Response[dongle.Empty], error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReady(cmd.Context(), func(r *dongle.Ready) error {
				resp, err := fn(r, cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(resp)
				return nil
			})
		},
	}
}
