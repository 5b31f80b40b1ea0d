package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kilupskalvis/scenemerge/internal/clock"
	"github.com/kilupskalvis/scenemerge/internal/models"
	"github.com/kilupskalvis/scenemerge/internal/notify"
	"github.com/kilupskalvis/scenemerge/internal/remote"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	remoteURL   string
	remoteDoc   string
	remoteToken string

	submitStamp  bool
	submitClient string
	submitStream bool

	snapshotJSON bool
	nodeProperty string

	watchRedis       string
	watchRedisPrefix string
	watchJSON        bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit operations to a server",
	Long: `Submit a JSON array of operations to a document on a running server and
print the decision for each one. Use '-' to read from stdin.

With --stamp, every operation is given a fresh id and a timestamp from a
client clock that starts past the document's highest counter, so the batch
wins over everything the server has seen.

Examples:
  scenemerge submit --doc design ops.json
  scenemerge submit --doc design --stamp --client alice edits.json
  scenemerge submit --doc design --stream ops.json`,
	Args: cobra.ExactArgs(1),
	Run:  runSubmit,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the merge state of a remote document",
	Args:  cobra.NoArgs,
	Run:   runSnapshot,
}

var nodeCmd = &cobra.Command{
	Use:   "node <id>",
	Short: "Show the merge state of one node",
	Long: `Show the merge state of one node, or with --property the timestamp of
the last write to one of its properties.

Examples:
  scenemerge node --doc design rect-1
  scenemerge node --doc design rect-1 --property fill.color`,
	Args: cobra.ExactArgs(1),
	Run:  runNode,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow merge decisions for a document",
	Long: `Print every merge decision for a document as it happens.

By default the server's WebSocket stream is used. With --redis, changes are
read from the Redis channel the server publishes to instead.

Examples:
  scenemerge watch --doc design
  scenemerge watch --doc design --redis localhost:6379 --json`,
	Args: cobra.NoArgs,
	Run:  runWatch,
}

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, snapshotCmd, nodeCmd, watchCmd} {
		cmd.Flags().StringVar(&remoteURL, "url",
			envOrDefault("SCENEMERGE_URL", "http://127.0.0.1:8740"),
			"Server base URL (env: SCENEMERGE_URL)")
		cmd.Flags().StringVar(&remoteDoc, "doc", os.Getenv("SCENEMERGE_DOC"), "Document id (env: SCENEMERGE_DOC)")
		cmd.Flags().StringVar(&remoteToken, "token", os.Getenv("SCENEMERGE_TOKEN"), "Bearer token (env: SCENEMERGE_TOKEN)")
	}

	submitCmd.Flags().BoolVar(&submitStamp, "stamp", false, "Assign fresh ids and timestamps before submitting")
	submitCmd.Flags().StringVar(&submitClient, "client", envOrDefault("USER", "cli"), "Client id used with --stamp")
	submitCmd.Flags().BoolVar(&submitStream, "stream", false, "Submit over the WebSocket stream instead of HTTP")

	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Print the snapshot as JSON")

	nodeCmd.Flags().StringVarP(&nodeProperty, "property", "p", "", "Property path, dot separated")

	watchCmd.Flags().StringVar(&watchRedis, "redis", "", "Read changes from this Redis address")
	watchCmd.Flags().StringVar(&watchRedisPrefix, "redis-prefix", notify.DefaultChannelPrefix, "Redis channel prefix")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print each change as JSON")
}

// newRemoteClient returns a retrying client for the selected document.
func newRemoteClient() remote.Client {
	if remoteDoc == "" {
		exitError("no document selected, use --doc or SCENEMERGE_DOC")
	}
	return remote.NewRetryClient(remote.NewHTTPClient(remoteURL, remoteDoc, remoteToken), nil)
}

func runSubmit(_ *cobra.Command, args []string) {
	client := newRemoteClient()
	ctx := context.Background()

	data, err := readInput(args[0])
	if err != nil {
		exitError("failed to read operations: %v", err)
	}
	ops, err := models.DecodeOperations(data)
	if err != nil {
		exitError("%v", err)
	}
	if len(ops) == 0 {
		fmt.Println("Nothing to submit")
		return
	}

	if submitStamp {
		info, err := client.GetClock(ctx)
		if err != nil {
			exitError("failed to read document clock: %v", err)
		}
		restamp(ops, submitClient, info.NextCounter)
	}

	var resp *remote.SubmitOpsResponse
	if submitStream {
		resp, err = submitOverStream(ctx, ops)
	} else {
		resp, err = client.SubmitOps(ctx, ops)
	}
	if err != nil {
		exitError("submit failed: %v", err)
	}

	for i, result := range resp.Results {
		printDecision(ops[i], result)
	}
	fmt.Printf("\n%s: ", remoteDoc)
	color.New(color.FgGreen).Printf("%d applied", resp.Accepted)
	fmt.Print(", ")
	color.New(color.FgRed).Printf("%d rejected\n", resp.Rejected)
}

// restamp gives every op a new id and a timestamp from a clock starting at next.
func restamp(ops []models.Operation, clientID string, next uint64) {
	lamport := clock.NewLamport(clientID)
	if next > 0 {
		lamport.Observe(clock.New(next-1, clientID))
	}
	for _, op := range ops {
		h := models.Header{ID: uuid.NewString(), Timestamp: lamport.Tick()}
		switch o := op.(type) {
		case *models.InsertNode:
			o.Header = h
		case *models.DeleteNode:
			o.Header = h
		case *models.SetProperty:
			o.Header = h
		case *models.MoveNode:
			o.Header = h
		case *models.ReorderNode:
			o.Header = h
		}
	}
}

func submitOverStream(ctx context.Context, ops []models.Operation) (*remote.SubmitOpsResponse, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := remote.DialStream(dialCtx, remoteURL, remoteDoc, remoteToken)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	id := uuid.NewString()
	if err := s.Submit(id, ops); err != nil {
		return nil, err
	}
	for {
		msg, err := s.Next()
		if err != nil {
			return nil, err
		}
		if msg.ID != id {
			continue
		}
		switch msg.Type {
		case remote.StreamResults:
			return msg.Results, nil
		case remote.StreamError:
			return nil, fmt.Errorf("%s: %s", msg.Error.Error, msg.Error.Message)
		}
	}
}

func runSnapshot(_ *cobra.Command, _ []string) {
	client := newRemoteClient()

	snap, err := client.GetSnapshot(context.Background())
	if err != nil {
		exitError("failed to get snapshot: %v", err)
	}
	if snapshotJSON {
		printJSON(snap)
		return
	}

	fmt.Printf("Document %s: %d nodes, %d operations logged, next counter %d\n\n",
		snap.Doc, len(snap.Nodes), snap.Clock.LastSeq, snap.Clock.NextCounter)
	printSnapshot(snap.Nodes)
}

func runNode(_ *cobra.Command, args []string) {
	client := newRemoteClient()
	ctx := context.Background()
	id := models.NodeID(args[0])

	if nodeProperty != "" {
		info, err := client.GetProperty(ctx, id, models.ParsePropertyPath(nodeProperty))
		if err != nil {
			exitError("%v", err)
		}
		fmt.Printf("%s.%s last written at %s\n", info.NodeID, info.Path, info.Timestamp)
		return
	}

	info, err := client.GetNode(ctx, id)
	if err != nil {
		exitError("%v", err)
	}
	printNode(info.ID, info.State)
}

func runWatch(_ *cobra.Command, _ []string) {
	if remoteDoc == "" {
		exitError("no document selected, use --doc or SCENEMERGE_DOC")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchRedis != "" {
		client := redis.NewClient(&redis.Options{Addr: watchRedis})
		defer client.Close()

		fmt.Fprintf(os.Stderr, "Watching %s on redis %s\n", remoteDoc, watchRedis)
		err := notify.Subscribe(ctx, client, watchRedisPrefix, remoteDoc, printChange, newLogger("warn", "text"))
		if err != nil && ctx.Err() == nil {
			exitError("%v", err)
		}
		return
	}

	s, err := remote.DialStream(ctx, remoteURL, remoteDoc, remoteToken)
	if err != nil {
		exitError("%v", err)
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	fmt.Fprintf(os.Stderr, "Watching %s on %s\n", remoteDoc, remoteURL)
	for {
		msg, err := s.Next()
		if err != nil {
			if ctx.Err() != nil || remote.IsClosed(err) {
				return
			}
			exitError("%v", err)
		}
		if msg.Type == remote.StreamChange && msg.Change != nil {
			printChange(*msg.Change)
		}
	}
}

func printChange(change models.Change) {
	if watchJSON {
		printJSON(change)
		return
	}
	if change.Seq > 0 {
		color.New(color.FgCyan).Printf("#%-6d ", change.Seq)
	} else {
		fmt.Printf("%-8s ", "-")
	}
	printDecision(change.Op, change.Result)
}
