package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Lysandre0/virtusb/internal/device"
	"github.com/Lysandre0/virtusb/internal/reconcile"
)

var (
	createSize  string
	createBrand string
	purgeYes    bool
)

func init() {
	createCmd.Flags().StringVar(&createSize, "size", "", "device capacity, [0-9]+[KMG]? between 1K and 1T")
	createCmd.Flags().StringVar(&createBrand, "brand", "", "device brand: "+strings.Join(device.Brands(), ", "))
	_ = createCmd.MarkFlagRequired("size")
	_ = createCmd.MarkFlagRequired("brand")

	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "skip the confirmation prompt")
}

// contextOf returns a context cancelled on SIGINT/SIGTERM so the
// enumeration poll can be interrupted.
func contextOf() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Define a new device and allocate its backing image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *reconcile.Session) error {
			rec, err := s.CreateDevice(args[0], createSize, createBrand)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s, %s, serial %s)\n", rec.Name, rec.VIDPID(), rec.SizeSpec, rec.Serial)
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Activate a device on a free UDC slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *reconcile.Session) error {
			slot, err := s.EnableDevice(contextOf(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("enabled %s on %s\n", args[0], slot)
			return nil
		})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Deactivate a device and release its slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *reconcile.Session) error {
			if err := s.DisableDevice(args[0]); err != nil {
				return err
			}
			fmt.Printf("disabled %s\n", args[0])
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a device, its record, and its backing image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *reconcile.Session) error {
			if err := s.DeleteDevice(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show all defined devices and their live status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *reconcile.Session) error {
			devices, err := s.ListDevices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBRAND\tVID:PID\tSIZE\tSTATUS\tSLOT")
			for _, d := range devices {
				status := "defined"
				if d.Enabled {
					status = "enabled"
				}
				slot := d.Slot
				if slot == "" {
					slot = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.Record.Name, d.Record.Brand, d.Record.VIDPID(), d.Record.SizeSpec, status, slot)
			}
			return w.Flush()
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every device and clear all stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *reconcile.Session) error {
			purged, err := s.Purge(confirmPurge)
			if err != nil {
				return err
			}
			if !purged {
				fmt.Println("aborted")
				return nil
			}
			fmt.Println("purged")
			return nil
		})
	},
}

func confirmPurge() bool {
	if purgeYes {
		return true
	}
	fmt.Print("This deletes every device, record, and image. Continue? [y/N]: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
