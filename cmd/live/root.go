package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mossy-p/liveroom/config"
	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/middleware"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/negotiation"
	"github.com/mossy-p/liveroom/internal/session"
	"github.com/mossy-p/liveroom/internal/transport"
)

var (
	cfgFile  string
	roomID   string
	userName string
	token    string
)

var rootCmd = &cobra.Command{
	Use:   "live",
	Short: "Join a live event as its host or as a viewer",
	Long: `live connects to the signaling broker, joins an event room and negotiates
media with the other side. Lines typed on stdin are sent as chat messages.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CONFIG_PATH"), "path to an optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&roomID, "room", "", "event room id")
	rootCmd.PersistentFlags().StringVar(&userName, "user", "", "display name used to log in (default: random)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("LIVE_TOKEN"), "broker token; logs in when empty")
	rootCmd.MarkPersistentFlagRequired("room")

	rootCmd.AddCommand(hostCmd, viewCmd)
}

// client bundles what both subcommands need.
type client struct {
	cfg     *config.Config
	log     zerolog.Logger
	self    models.Participant
	dialer  transport.Dialer
	factory negotiation.PeerFactory
}

func newClient(ctx context.Context, role models.Role) (*client, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(logger.Config{Level: cfg.Log.Level, Pretty: true, ServiceName: "live"}, os.Stderr)

	factory, err := negotiation.NewPionFactory(iceServers(cfg.WebRTC))
	if err != nil {
		return nil, fmt.Errorf("failed to set up webrtc: %w", err)
	}

	c := &client{cfg: cfg, log: log, factory: factory}

	switch cfg.Client.Broker {
	case "redis":
		// Redis has no identity layer: the participant id is taken as given.
		id := userName
		if id == "" {
			id = uuid.NewString()
		}
		c.self = models.Participant{ID: id, Role: role}
		c.dialer = &transport.RedisDialer{
			Options: &goredis.Options{
				Addr:     cfg.Redis.Addr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
			Logger: log,
		}
	case "ws", "":
		tok, self, err := identity(ctx, cfg.Client.SignalURL, role)
		if err != nil {
			return nil, err
		}
		c.self = self
		u, err := url.Parse(cfg.Client.SignalURL)
		if err != nil {
			return nil, fmt.Errorf("invalid signal url: %w", err)
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
		c.dialer = &transport.WebSocketDialer{URL: u.String(), Logger: log}
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Client.Broker)
	}

	c.log = c.log.With().Str(logger.FieldParticipantID, c.self.ID).Logger()
	return c, nil
}

func iceServers(cfg config.WebRTCConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// identity returns a broker token and the participant it vouches for. The
// broker stamps every envelope with the token's user id, so the orchestrator
// must act under the same id.
func identity(ctx context.Context, signalURL string, role models.Role) (string, models.Participant, error) {
	tok := token
	if tok == "" {
		var err error
		if tok, err = login(ctx, signalURL, role); err != nil {
			return "", models.Participant{}, err
		}
	}

	claims := &middleware.JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return "", models.Participant{}, fmt.Errorf("malformed token: %w", err)
	}
	if claims.Role != role {
		return "", models.Participant{}, fmt.Errorf("token is for a %s, not a %s", claims.Role, role)
	}
	return tok, models.Participant{ID: claims.UserID, Role: claims.Role}, nil
}

type loginRequest struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func login(ctx context.Context, signalURL string, role models.Role) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", fmt.Errorf("invalid signal url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/auth/login"
	u.RawQuery = ""

	name := userName
	if name == "" {
		name = "anon-" + uuid.NewString()[:8]
	}
	body, err := json.Marshal(loginRequest{Username: name, Password: "-", Role: role})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %s", resp.Status)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	return out.Token, nil
}

// run starts o, forwards stdin lines as chat and prints room events until
// interrupted or stdin closes.
func (c *client) run(o *session.Orchestrator) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o.OnChat(func(m models.ChatMessage) {
		at := m.SentAt
		if at.IsZero() {
			at = time.Now()
		}
		fmt.Printf("[%s] %s: %s\n", at.Local().Format(time.Kitchen), m.ParticipantID, m.Text)
	})
	o.OnViewerCount(func(n int) {
		fmt.Printf("* %d watching\n", n)
	})
	o.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	})

	if err := o.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Stop(stopCtx); err != nil {
			c.log.Warn().Err(err).Msg("unclean shutdown")
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := o.SendChat(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
	}
}

func (c *client) sessionConfig() session.Config {
	return session.Config{
		RoomID:         roomID,
		Participant:    c.self,
		ReconnectDelay: c.cfg.Client.ReconnectDelay,
		Logger:         c.log,
		OnConnState: func(s session.ConnState) {
			fmt.Fprintf(os.Stderr, "* %s\n", s)
		},
		OnPeerState: func(remoteID string, s negotiation.State) {
			c.log.Info().Str("remote_id", remoteID).Str(logger.FieldState, s.String()).Msg("peer state")
		},
	}
}
