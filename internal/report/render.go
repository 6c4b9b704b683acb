package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/probe"
)

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.Off}},
	})))
}

// Verdict is the one-word outcome of the report.
func (r Report) Verdict() string {
	switch r.ExitCode() {
	case 1:
		return "FAIL"
	case 2:
		return "INCONCLUSIVE"
	default:
		return "PASS"
	}
}

// Render writes the tier summary followed by discrepancy and inconclusive
// detail when there is any.
func Render(w io.Writer, r Report) error {
	table := newTable(w)
	table.Header([]string{"Tier", "Buffers", "Passed", "Failed", "Inconclusive", "Verified", "Throughput"})
	for _, t := range r.Tiers {
		if err := table.Append([]string{
			t.Tier,
			strconv.Itoa(t.Buffers),
			strconv.Itoa(t.Passed),
			strconv.Itoa(t.Failed),
			strconv.Itoa(t.Inconclusive),
			gpu.HumanSize(t.BytesVerified),
			throughput(t.ThroughputMean, t.ThroughputStdDev),
		}); err != nil {
			return err
		}
	}
	if err := table.Append([]string{
		"Total",
		strconv.Itoa(r.Total.Buffers),
		strconv.Itoa(r.Total.Passed),
		strconv.Itoa(r.Total.Failed),
		strconv.Itoa(r.Total.Inconclusive),
		"", "",
	}); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(r.Discrepancies) > 0 {
		fmt.Fprintf(w, "\nDiscrepancies (%d recorded):\n", len(r.Discrepancies))
		table := newTable(w)
		table.Header([]string{"Device", "Tier", "Buffer", "Size", "Offset", "Expected", "Observed", "Flipped"})
		for _, d := range r.Discrepancies {
			if err := table.Append([]string{
				d.Device,
				d.Tier,
				d.Buffer.String(),
				gpu.HumanSize(d.BufferSize),
				fmt.Sprintf("0x%x", d.Offset),
				fmt.Sprintf("0x%08x", d.Expected),
				fmt.Sprintf("0x%08x", d.Observed),
				fmt.Sprintf("0x%08x (%d)", d.FlippedBits(), d.FlippedCount()),
			}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(r.Inconclusive) > 0 {
		fmt.Fprintf(w, "\nCould not verify (%d passes):\n", len(r.Inconclusive))
		table := newTable(w)
		table.Header([]string{"Device", "Tier", "Buffer", "Size", "Pattern", "Reason"})
		for _, u := range r.Inconclusive {
			if err := table.Append([]string{
				u.Device,
				u.Tier,
				u.Buffer.String(),
				gpu.HumanSize(u.Size),
				fmt.Sprintf("0x%08x", u.Pattern),
				u.Reason,
			}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "\nResult: %s (%s)\n", r.Verdict(), r.Duration.Round(time.Millisecond))
	return err
}

func throughput(mean, sd float64) string {
	if mean == 0 {
		return "-"
	}
	const mib = 1 << 20
	return fmt.Sprintf("%.1f ± %.1f MiB/s", mean/mib, sd/mib)
}

// RenderProfile writes the device properties, queue families and memory
// tables of p.
func RenderProfile(w io.Writer, p *probe.Profile) error {
	props := p.Properties()
	fmt.Fprintf(w, "%s (%s, %s)\n", props.Name, p.DeviceID(), props.Type)
	fmt.Fprintf(w, "vendor 0x%04x device 0x%04x api %d.%d.%d\n\n",
		props.VendorID, props.DeviceID, props.APIVersion>>22, (props.APIVersion>>12)&0x3ff, props.APIVersion&0xfff)

	families := newTable(w)
	families.Header([]string{"Queue family", "Flags", "Queues"})
	for i, f := range p.QueueFamilies() {
		if err := families.Append([]string{strconv.Itoa(i), f.Flags.String(), strconv.Itoa(int(f.QueueCount))}); err != nil {
			return err
		}
	}
	if err := families.Render(); err != nil {
		return err
	}

	heaps := p.MemoryHeaps()
	types := newTable(w)
	types.Header([]string{"Memory type", "Flags", "Heap", "Heap size"})
	for i, mt := range p.MemoryTypes() {
		if err := types.Append([]string{
			strconv.Itoa(i),
			mt.PropertyFlags.String(),
			strconv.Itoa(int(mt.HeapIndex)),
			gpu.HumanSize(heaps[mt.HeapIndex].Size),
		}); err != nil {
			return err
		}
	}
	return types.Render()
}
