// Command roomctl manages chat rooms out of band: clients can only join
// rooms that already exist, so an operator creates them here.
//
//	roomctl create -name general [-description "..."] [-created-by ops]
//	roomctl list
//
// Backend selection and connection settings come from the same environment
// variables chatrelayd uses (STORE_BACKEND, BROKER_BACKEND, MONGODB_URI,
// AMQP_URL, ...).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/chatrelay/chatrelay/broker/amqpbroker"
	"github.com/chatrelay/chatrelay/store"
	"github.com/chatrelay/chatrelay/store/memorystore"
	"github.com/chatrelay/chatrelay/store/mongostore"
)

type config struct {
	StoreBackend  string        `env:"STORE_BACKEND,default=mongo"`
	BrokerBackend string        `env:"BROKER_BACKEND,default=amqp"`
	OpTimeout     time.Duration `env:"OP_TIMEOUT,default=10s"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "roomctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: roomctl <create|list> [flags]")
	}

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()

	st, err := openStore(ctx, cfg.StoreBackend)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close(context.Background())

	switch args[0] {
	case "create":
		return createRoom(ctx, cfg, st, args[1:])
	case "list":
		return listRooms(ctx, st, os.Stdout)
	default:
		return fmt.Errorf("unknown command %q (want create or list)", args[0])
	}
}

func createRoom(ctx context.Context, cfg config, st store.Store, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	name := fs.String("name", "", "room display name (required)")
	desc := fs.String("description", "", "room description")
	createdBy := fs.String("created-by", "", "creator identity recorded on the room")
	id := fs.String("id", "", "room ID (default: generated)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("create: -name is required")
	}

	room := store.Room{
		ID:          *id,
		Name:        *name,
		Description: *desc,
		CreatedBy:   *createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	if room.ID == "" {
		room.ID = "room-" + uuid.NewString()
	}

	if err := st.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, store.ErrDuplicateRoom) {
			return fmt.Errorf("room %q already exists", room.ID)
		}
		return fmt.Errorf("create room: %w", err)
	}

	// Pre-provision broker resources for the new room. Best effort:
	// subscriptions declare their own queues, so a failure here only
	// loses the durable buffering before the first consumer.
	if err := ensureBrokerRoom(cfg, room.ID); err != nil {
		fmt.Fprintln(os.Stderr, "warning: broker provisioning failed:", err)
	}

	fmt.Println(room.ID)
	return nil
}

func listRooms(ctx context.Context, st store.Store, w io.Writer) error {
	rooms, err := st.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED\tDESCRIPTION")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.CreatedAt.Format(time.RFC3339), r.Description)
	}
	return tw.Flush()
}

func openStore(ctx context.Context, backend string) (store.Store, error) {
	switch backend {
	case "mongo":
		var mc mongostore.Config
		if err := envdecode.Decode(&mc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, fmt.Errorf("decode mongo config: %w", err)
		}
		return mongostore.New(ctx, mc)
	case "memory":
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func ensureBrokerRoom(cfg config, roomID string) error {
	if cfg.BrokerBackend != "amqp" {
		// Redis streams and the in-memory broker create state lazily.
		return nil
	}
	var ac amqpbroker.Config
	if err := envdecode.Decode(&ac); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode amqp config: %w", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	br, err := amqpbroker.New(ac, log)
	if err != nil {
		return err
	}
	defer br.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	return br.Ensure(ctx, roomID)
}
