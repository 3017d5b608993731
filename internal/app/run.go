// Package app wires the node together: config, relay connection, hosted hub
// (optional), the chat inbox and the two call managers.
package app

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/broly1009a/studymate-rtc/internal/call"
	"github.com/broly1009a/studymate-rtc/internal/chat"
	"github.com/broly1009a/studymate-rtc/internal/config"
	"github.com/broly1009a/studymate-rtc/internal/hub"
	"github.com/broly1009a/studymate-rtc/internal/relay"
	"github.com/broly1009a/studymate-rtc/internal/storage"
	"github.com/broly1009a/studymate-rtc/internal/util"
)

// Options carries what Run needs from the CLI layer.
type Options struct {
	NodeDir string
	CfgPath string
	Cfg     config.Config
}

// Node is the assembled client: everything the embedding surface (UI,
// scripting, tests) talks to.
type Node struct {
	Cfg   config.Config
	Relay *relay.Conn
	Inbox *chat.Inbox
	Audio *call.Manager
	Video *call.Manager

	hubSrv    *hub.Server
	store     *storage.DB
	stopWatch func()
}

// Run assembles and starts a node, then blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	node, err := Start(ctx, opts)
	if err != nil {
		return err
	}
	defer node.Close()

	<-ctx.Done()
	return nil
}

// Start assembles a node without blocking. Used by Run and by tests that
// need to drive the node directly.
func Start(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Cfg
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("identity.user_id is not set in %s", opts.CfgPath)
	}

	node := &Node{Cfg: cfg}

	relayURL := cfg.Relay.URL
	if cfg.Relay.Host {
		store, err := storage.Open(util.ResolvePath(opts.NodeDir, cfg.Storage.Dir))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		node.store = store

		addr := fmt.Sprintf("%s:%d", cfg.Relay.Bind, cfg.Relay.Port)
		srv := hub.New(addr, store, cfg.Relay.NATSURL)
		if err := srv.Start(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("start hub: %w", err)
		}
		node.hubSrv = srv
		relayURL = srv.WSURL()
		log.Printf("APP: hosting relay hub at %s", srv.URL())
	}

	conn := relay.New(relayURL, cfg.Identity.UserID)
	if err := conn.Connect(); err != nil {
		node.Close()
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	node.Relay = conn

	api := chat.NewClient(httpBase(relayURL))
	inbox := chat.NewInbox(cfg.Identity.UserID, api, conn)
	if err := inbox.Load(); err != nil {
		node.Close()
		return nil, fmt.Errorf("load inbox: %w", err)
	}
	node.Inbox = inbox

	media := call.NewDeviceSource(cfg.Media.MaxWidth, cfg.Media.MaxHeight)
	node.Audio = call.NewAudio(conn, media, call.NewPionPeer, cfg.Identity.UserID, cfg.Identity.DisplayName)
	node.Video = call.NewVideo(conn, media, call.NewPionPeer, cfg.Identity.UserID, cfg.Identity.DisplayName)

	// Pick up display-name edits without a restart. Identity and relay
	// changes still need one.
	stop, err := config.Watch(opts.CfgPath, func(next config.Config) {
		log.Printf("APP: config reloaded from %s", opts.CfgPath)
		node.Cfg = next
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		node.stopWatch = stop
	}

	log.Printf("APP: node %s ready on %s", cfg.Identity.UserID, relayURL)
	return node, nil
}

// Close releases everything Start set up. Safe on a partially built node.
func (n *Node) Close() {
	if n.stopWatch != nil {
		n.stopWatch()
	}
	if n.Video != nil {
		n.Video.Close()
	}
	if n.Audio != nil {
		n.Audio.Close()
	}
	if n.Inbox != nil {
		n.Inbox.Close()
	}
	if n.Relay != nil {
		n.Relay.Close()
	}
	if n.store != nil {
		n.store.Close()
	}
}

// httpBase derives the hub's REST base URL from its WebSocket URL.
func httpBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	return u.String()
}
