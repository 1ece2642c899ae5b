package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrord/mirrord/internal/admin"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/pkg/bytesize"
)

const requestTimeout = 30 * time.Second

// adminClient resolves the admin address and token from the flags, falling
// back to the config file and then to the built-in default.
func adminClient() *admin.Client {
	addr, token := adminAddr, adminToken
	if addr == "" || token == "" {
		if cfg, err := loadConfig(); err == nil {
			if addr == "" {
				addr = cfg.Admin.Listen
			}
			if token == "" {
				token = cfg.Admin.Token
			}
		}
	}
	if addr == "" {
		addr = "127.0.0.1:7790"
	}
	return admin.NewClient(addr, token)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	c := adminClient()

	var stats []mirror.Stats
	if len(args) == 1 {
		s, err := c.DeviceStatus(ctx, args[0])
		if err != nil {
			return err
		}
		stats = []mirror.Stats{*s}
	} else {
		all, err := c.Status(ctx)
		if err != nil {
			return err
		}
		stats = all
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	for _, s := range stats {
		printStatus(os.Stdout, s)
	}
	return nil
}

func printStatus(w io.Writer, s mirror.Stats) {
	fmt.Fprintf(w, "%d: %s\n", s.Device.Minor, s.Device.Name)
	fmt.Fprintf(w, "  Connection:  %s\n", s.Conn)
	fmt.Fprintf(w, "  Disk:        %s/%s\n", s.Disk, s.PeerDisk)
	if s.Pause != "none" {
		fmt.Fprintf(w, "  Paused:      %s\n", s.Pause)
	}
	if s.After >= 0 {
		fmt.Fprintf(w, "  Sync after:  %d\n", s.After)
	}
	fmt.Fprintf(w, "  Out of sync: %s\n", bytesize.Format(int64(s.OutOfSyncBytes)))
	fmt.Fprintf(w, "  Sync rate:   %s/s\n", bytesize.Format(s.SyncRate))

	switch {
	case s.VerifyLeft > 0:
		done := s.ResyncTotal - s.VerifyLeft
		fmt.Fprintf(w, "  Verify:      %s (%d/%d blocks, %s differ)\n",
			percent(done, s.ResyncTotal), done, s.ResyncTotal, bytesize.Format(int64(s.VerifyFound)<<9))
	case s.ResyncTotal > 0:
		done := s.ResyncTotal - min(s.OutOfSyncBlocks, s.ResyncTotal)
		fmt.Fprintf(w, "  Resync:      %s (%d/%d blocks)\n", percent(done, s.ResyncTotal), done, s.ResyncTotal)
	}

	if r := s.LastRun; r != nil {
		result := "ok"
		switch {
		case r.Aborted:
			result = "aborted"
		case r.Error != "":
			result = r.Error
		}
		fmt.Fprintf(w, "  Last run:    %s as %s, %s, %d blocks, %d KiB/s, %s\n",
			r.Kind, r.Side, r.Duration.Round(time.Millisecond), r.Total, r.KiBPerSec, result)
	}
	fmt.Fprintln(w)
}

func percent(done, total uint64) string {
	if total == 0 {
		return "100.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(done)*100/float64(total))
}

// operation describes an admin operation exposed as a subcommand.
type operation struct {
	use   string
	short string
	op    string
	nargs int
	flags func(cmd *cobra.Command)

	// args builds the query from the positional arguments after the device.
	args func(cmd *cobra.Command, rest []string) (url.Values, error)
}

func operationCmds() []*cobra.Command {
	ops := []operation{
		{
			use:   "resync <device>",
			short: "Start a resync run (--side source or target)",
			op:    "resync",
			flags: func(cmd *cobra.Command) {
				cmd.Flags().String("side", "target", "local role in the run: source or target")
			},
			args: func(cmd *cobra.Command, _ []string) (url.Values, error) {
				side, _ := cmd.Flags().GetString("side")
				return url.Values{"side": {side}}, nil
			},
		},
		{
			use:   "verify <device>",
			short: "Start an online verify run",
			op:    "verify",
			flags: func(cmd *cobra.Command) {
				cmd.Flags().Uint64("start", 0, "start sector")
			},
			args: func(cmd *cobra.Command, _ []string) (url.Values, error) {
				start, _ := cmd.Flags().GetUint64("start")
				return url.Values{"start": {strconv.FormatUint(start, 10)}}, nil
			},
		},
		{use: "pause <device>", short: "Pause resync on a device", op: "pause"},
		{use: "resume <device>", short: "Resume a paused resync", op: "resume"},
		{
			use:   "after <device> <minor|none>",
			short: "Resync the device only after another one finished",
			op:    "after",
			nargs: 1,
			args: func(_ *cobra.Command, rest []string) (url.Values, error) {
				return url.Values{"minor": {rest[0]}}, nil
			},
		},
		{
			use:   "state <device> <conn-state>",
			short: "Force the connection state (e.g. StandAlone)",
			op:    "state",
			nargs: 1,
			args: func(_ *cobra.Command, rest []string) (url.Values, error) {
				if _, err := mirror.ParseConnState(rest[0]); err != nil {
					return nil, err
				}
				return url.Values{"conn": {rest[0]}}, nil
			},
		},
		{
			use:   "rate <device> <rate>",
			short: "Change the resync rate (e.g. 10MB/s)",
			op:    "rate",
			nargs: 1,
			args: func(_ *cobra.Command, rest []string) (url.Values, error) {
				if _, err := bytesize.ParseRate(rest[0]); err != nil {
					return nil, err
				}
				return url.Values{"rate": {rest[0]}}, nil
			},
		},
	}

	cmds := make([]*cobra.Command, 0, len(ops))
	for _, o := range ops {
		cmd := &cobra.Command{
			Use:   o.use,
			Short: o.short,
			Args:  cobra.ExactArgs(1 + o.nargs),
			RunE:  o.run,
		}
		if o.flags != nil {
			o.flags(cmd)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (o operation) run(cmd *cobra.Command, args []string) error {
	var q url.Values
	if o.args != nil {
		v, err := o.args(cmd, args[1:])
		if err != nil {
			return err
		}
		q = v
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	res, err := adminClient().Operate(ctx, args[0], o.op, q)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s ok\n", res.Device, res.Operation)
	printStatus(os.Stdout, res.State)
	return nil
}
