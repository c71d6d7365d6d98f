// Command mxlinspect attaches read-only to a domain directory and dumps
// header and runtime info for one flow. It is a developer diagnostic, not
// a stable CLI: it reads its target from a small YAML file rather than
// flags.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/registry"
)

// target describes what to inspect: a domain directory and one flow
// identifier within it.
type target struct {
	Domain string `json:"domain"`
	FlowID string `json:"flowID"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: mxlinspect <target.yaml>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "mxlinspect:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var t target
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	id, err := uuid.Parse(t.FlowID)
	if err != nil {
		return fmt.Errorf("flowID %q: %w", t.FlowID, err)
	}

	inst, err := registry.CreateInstance(t.Domain)
	if err != nil {
		return err
	}
	defer inst.DestroyInstance()

	reader, weak, err := inst.CreateFlowReader(id)
	if err != nil {
		return err
	}
	defer inst.DestroyReader(weak)

	info, err := reader.GetRuntimeInfo()
	if err != nil {
		return err
	}

	fmt.Printf("flow:          %s\n", id)
	fmt.Printf("variant:       %s\n", info.Variant)
	fmt.Printf("editRate:      %s\n", info.EditRate)
	fmt.Printf("historyDepth:  %d\n", info.HistoryDepth)
	if info.HeadIndex == mxltime.UndefinedIndex {
		fmt.Printf("headIndex:     (none committed yet)\n")
	} else {
		fmt.Printf("headIndex:     %d\n", info.HeadIndex)
		fmt.Printf("headTimestamp: %d\n", mxltime.IndexToTimestamp(info.HeadIndex, info.EditRate))
	}
	return nil
}
