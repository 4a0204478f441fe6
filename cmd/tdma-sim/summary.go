package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

// nodeRows renders one table row per node.
func nodeRows(res *runResult) pterm.TableData {
	data := pterm.TableData{{"Node", "Addr", "Joined", "After", "Slot", "Registry", "Sent", "Delivered", "TxErr", "RxErr", "Drift"}}
	for _, s := range res.States {
		joined, after := "no", "-"
		if s.Joined {
			joined = "yes"
			if d, ok := res.JoinAfter[s.Address]; ok {
				after = d.Round(time.Millisecond).String()
			}
		}
		slot, registry := "-", "-"
		if s.TDMA != nil {
			slot = fmt.Sprintf("%d/%d", s.TDMA.TxSlot, s.TDMA.SlotCount)
			registry = formatRegistry(s.TDMA.Registry)
		}
		data = append(data, []string{
			s.Name,
			strconv.Itoa(int(s.Address)),
			joined,
			after,
			slot,
			registry,
			strconv.Itoa(s.Sent),
			strconv.Itoa(s.Delivered),
			strconv.Itoa(s.Info.TxErrors),
			strconv.Itoa(s.Info.RxErrors),
			fmt.Sprintf("%+.1f ppm", s.DriftPPM),
		})
	}
	return data
}

func channelRows(res *runResult) pterm.TableData {
	data := pterm.TableData{{"Channel", "Transmissions", "Collisions", "Deliveries"}}
	ids := make([]int, 0, len(res.Channels))
	for id := range res.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c := res.Channels[id]
		data = append(data, []string{
			strconv.Itoa(id),
			strconv.Itoa(c.Transmissions),
			strconv.Itoa(c.Collisions),
			strconv.Itoa(c.Deliveries),
		})
	}
	return data
}

func formatRegistry(reg []uint8) string {
	parts := make([]string, len(reg))
	for i, a := range reg {
		parts[i] = strconv.Itoa(int(a))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// printSummary writes the run summary tables to w.
func printSummary(w io.Writer, res *runResult) error {
	fmt.Fprintln(w, pterm.DefaultSection.Sprintf("%s run, %v, %d/%d joined", res.Link, res.Duration.Round(time.Millisecond), res.Joined(), len(res.States)))

	nodes, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(nodeRows(res)).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, nodes)

	channels, err := pterm.DefaultTable.WithHasHeader().WithData(channelRows(res)).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, channels)

	if res.Jitter.Count > 0 {
		fmt.Fprintf(w, "resync: %d corrections, mean %v, stddev %v, max %v\n",
			res.Jitter.Count, res.Jitter.Mean, res.Jitter.StdDev, res.Jitter.MaxAbs)
	}
	if res.Mismatches > 0 {
		fmt.Fprintf(w, "slot mismatches: %d\n", res.Mismatches)
	}
	if res.RunID != "" {
		fmt.Fprintf(w, "run %s: %d frames recorded\n", res.RunID, res.Recorded)
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(w, "wrote %s\n", a)
	}
	return nil
}
