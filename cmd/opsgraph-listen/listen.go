package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	"github.com/lorrc/opsgraph-realtime/internal/realtimeclient"
)

var (
	listenAPI        string
	listenToken      string
	listenTickets    []int64
	listenSites      []int64
	listenAllTickets bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream ticket socket events to stdout",
	Long: `Connect to the ticket socket, subscribe to the requested tickets and
sites, and print every event as one JSON object per line. The connection is
kept alive with heartbeats and re-established with backoff.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenAPI, "api", "", "API base URL (overrides profile)")
	listenCmd.Flags().StringVar(&listenToken, "token", "", "bearer token (overrides profile and OPSGRAPH_TOKEN)")
	listenCmd.Flags().Int64SliceVar(&listenTickets, "ticket", nil, "ticket id to subscribe to (repeatable)")
	listenCmd.Flags().Int64SliceVar(&listenSites, "site", nil, "site id to subscribe to (repeatable)")
	listenCmd.Flags().BoolVar(&listenAllTickets, "all-tickets", false, "subscribe to every ticket")
}

func runListen(cmd *cobra.Command, _ []string) error {
	prof, err := LoadProfile(profilePath)
	if err != nil {
		return err
	}
	if listenAPI != "" {
		prof.APIBase = listenAPI
	}
	if listenToken != "" {
		prof.Token = listenToken
	}
	prof.Tickets = append(prof.Tickets, listenTickets...)
	prof.Sites = append(prof.Sites, listenSites...)
	prof.AllTickets = prof.AllTickets || listenAllTickets

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	mgr := realtimeclient.NewManager(prof.ClientConfig(logger))
	return listen(ctx, mgr, prof, cmd.OutOrStdout(), logger)
}

// listen runs until ctx is done or the client gives up reconnecting.
func listen(ctx context.Context, mgr *realtimeclient.Manager, prof *Profile, out io.Writer, logger *slog.Logger) error {
	p := &printer{enc: json.NewEncoder(out)}
	for _, t := range []string{domain.EventConnected, domain.EventSubscribed, domain.EventUnsubscribed} {
		mgr.On(t, p.print)
	}
	mgr.OnTicketUpdate(p.ticket(domain.EventTicketUpdate))
	mgr.OnTicketComment(p.ticket(domain.EventTicketComment))
	mgr.OnTicketStatusChange(p.ticket(domain.EventTicketStatusChange))
	mgr.OnTicketAssignment(p.ticket(domain.EventTicketAssignment))

	failed := make(chan error, 1)
	mgr.OnStateChange(func(st realtimeclient.Status) {
		logger.Info("connection state changed",
			"state", st.State,
			"attempts", st.Attempts,
			"reconnect_delay", st.ReconnectDelay,
			"last_close_code", st.LastCloseCode,
		)

		switch st.State {
		case realtimeclient.StateConnected:
			// Reconnects replay the mirrored filter; only the first open
			// needs the profile applied.
			if prof.HasSubscriptions() && isEmptyView(st.Subscriptions) {
				if err := subscribe(mgr, prof); err != nil {
					logger.Warn("failed to apply subscriptions", "error", err)
				}
			}
		case realtimeclient.StateError:
			select {
			case failed <- st.LastError:
			default:
			}
		}
	})

	detach := mgr.Attach()
	defer detach()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return fmt.Errorf("ticket socket: %w", err)
	}
}

func subscribe(mgr *realtimeclient.Manager, prof *Profile) error {
	var errs []error
	for _, id := range prof.Tickets {
		errs = append(errs, mgr.SubscribeToTicket(id))
	}
	for _, id := range prof.Sites {
		errs = append(errs, mgr.SubscribeToSite(id))
	}
	if prof.AllTickets {
		errs = append(errs, mgr.SubscribeToAllTickets())
	}
	return errors.Join(errs...)
}

func isEmptyView(v domain.SubscriptionView) bool {
	return len(v.TicketIDs) == 0 && len(v.SiteIDs) == 0 && len(v.AssetIDs) == 0 && !v.AllTickets
}

type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) print(msg realtimeclient.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(msg)
}

func (p *printer) ticket(eventType string) realtimeclient.TicketHandler {
	return func(ticketID int64, payload json.RawMessage) {
		p.print(realtimeclient.Message{Type: eventType, TicketID: &ticketID, Payload: payload})
	}
}
