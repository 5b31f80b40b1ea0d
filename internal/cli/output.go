package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/scenemerge/internal/crdt"
	"github.com/kilupskalvis/scenemerge/internal/models"
)

// describeOp renders an operation on one line.
func describeOp(op models.Operation) string {
	switch o := op.(type) {
	case *models.InsertNode:
		return fmt.Sprintf("insert %s under %q at %q", o.NodeID, o.ParentID, o.FractionalIndex)
	case *models.DeleteNode:
		return fmt.Sprintf("delete %s", o.NodeID)
	case *models.SetProperty:
		return fmt.Sprintf("set %s.%s", o.NodeID, o.PathKey())
	case *models.MoveNode:
		return fmt.Sprintf("move %s to %q at %q", o.NodeID, o.NewParentID, o.FractionalIndex)
	case *models.ReorderNode:
		return fmt.Sprintf("reorder %s to %q", o.NodeID, o.FractionalIndex)
	}
	return fmt.Sprintf("%s %s", op.Type(), op.Target())
}

// printDecision prints one merge decision, colored by outcome.
func printDecision(op models.Operation, result models.MergeResult) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("%-10s ", op.Stamp())
	fmt.Printf("%-48s ", describeOp(op))
	if result.Apply {
		color.Green("applied")
	} else {
		color.Red("rejected (%s): %s", result.Kind, result.Reason)
	}
}

// printNode prints the merge metadata of one node.
func printNode(id models.NodeID, n crdt.NodeState) {
	state := color.GreenString("live")
	switch {
	case n.Deleted:
		state = color.RedString("deleted")
	case !n.Inserted:
		state = color.YellowString("placeholder")
	}
	fmt.Printf("%s [%s]\n", color.CyanString(string(id)), state)
	if n.ParentID != "" || n.FractionalIndex != "" {
		fmt.Printf("  parent:   %q at %q", n.ParentID, n.FractionalIndex)
		if n.PositionTimestamp != nil {
			fmt.Printf(" (%s)", n.PositionTimestamp)
		}
		fmt.Println()
	}
	if n.DeleteTimestamp != nil {
		fmt.Printf("  deleted:  %s\n", n.DeleteTimestamp)
	}
	for key, ts := range n.PropertyTimestamps {
		fmt.Printf("  %-8s  %s\n", key+":", ts)
	}
}

// printSnapshot prints every node in id order.
func printSnapshot(snap crdt.Snapshot) {
	for _, id := range snap.IDs() {
		printNode(id, snap[id])
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitError("failed to encode output: %v", err)
	}
}
