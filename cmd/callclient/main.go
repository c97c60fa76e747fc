// Command callclient is a reference econn endpoint: it embeds a real
// econn.Connection over the server's relay, the same way any browser
// client would, to prove the engine and the Hub work end to end from
// outside the process.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/econn"
	"github.com/dkeye/econn/internal/registry"
)

// routedEnvelope mirrors internal/signaling's wire shape for frames the
// relay delivers to us.
type routedEnvelope struct {
	Kind string          `json:"kind"`
	From registry.Key    `json:"from"`
	Body json.RawMessage `json:"body"`
}

// outboundEnvelope mirrors internal/signaling's wire shape for frames we
// address at a peer through the relay.
type outboundEnvelope struct {
	To   registry.Key    `json:"to"`
	Body json.RawMessage `json:"body"`
}

// notifyFrame mirrors internal/signaling's own-client notification shape,
// printed for visibility but not otherwise acted on.
type notifyFrame struct {
	Kind  string `json:"kind"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the econn server")
	toUser := flag.String("to-user", "system", "peer userID to call")
	toClient := flag.String("to-client", "echo", "peer clientID to call")
	sdp := flag.String("sdp", "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n", "offer SDP to send")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("cookie jar")
	}
	httpClient := &http.Client{Jar: jar}

	self, err := whoami(httpClient, *server)
	if err != nil {
		log.Fatal().Err(err).Msg("whoami")
	}
	log.Info().Str("user", self.UserID).Str("client", self.ClientID).Msg("identity assigned")

	peer := registry.Key{UserID: *toUser, ClientID: *toClient}

	wsURL, err := toWSURL(*server, "/api/ws/signal")
	if err != nil {
		log.Fatal().Err(err).Msg("ws url")
	}

	header := http.Header{}
	if u, err := url.Parse(*server); err == nil {
		for _, c := range jar.Cookies(u) {
			header.Add("Cookie", c.String())
		}
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer ws.Close()

	send := func(msg *econn.Message) error {
		wire, err := econn.Encode(msg)
		if err != nil {
			return err
		}
		env := outboundEnvelope{To: peer, Body: json.RawMessage(wire)}
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return ws.WriteMessage(websocket.TextMessage, b)
	}

	cb := &cliCallbacks{}
	conn, err := econn.New(self.UserID, self.ClientID, econn.DefaultConfig(), sendFunc(send), econn.NewScheduler(), cb)
	if err != nil {
		log.Fatal().Err(err).Msg("new connection")
	}

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				log.Info().Err(err).Msg("relay connection closed")
				return
			}

			var env routedEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Kind {
			case "econn":
				now := time.Now()
				msg, err := econn.Decode(now, now, env.Body)
				if err != nil {
					log.Warn().Err(err).Msg("decode inbound frame")
					continue
				}
				conn.RecvMessage(env.From.UserID, env.From.ClientID, msg)
			case "notify":
				var nf notifyFrame
				if err := json.Unmarshal(data, &nf); err == nil {
					fmt.Printf("[event] %s %+v\n", nf.Event, nf.Data)
				}
			}
		}
	}()

	if err := conn.Start(*sdp, econn.Props{"client": "callclient"}); err != nil {
		log.Fatal().Err(err).Msg("start")
	}

	fmt.Println("call started, press enter to hang up")
	bufio.NewReader(os.Stdin).ReadString('\n')
	conn.End()
}

func whoami(c *http.Client, server string) (registry.Key, error) {
	resp, err := c.Get(strings.TrimRight(server, "/") + "/api/whoami")
	if err != nil {
		return registry.Key{}, err
	}
	defer resp.Body.Close()

	var body struct {
		UserID   string `json:"user_id"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return registry.Key{}, err
	}
	return registry.Key{UserID: body.UserID, ClientID: body.ClientID}, nil
}

func toWSURL(server, path string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	return u.String(), nil
}

// sendFunc adapts a plain function to econn.Transport.
type sendFunc func(msg *econn.Message) error

func (f sendFunc) Send(msg *econn.Message) error { return f(msg) }

// cliCallbacks prints every econn event to stdout for a human operator.
type cliCallbacks struct{}

func (cliCallbacks) OnConnect(conn *econn.Connection, t time.Time, userIDSender, clientIDSender string, age time.Duration, sdp string, props econn.Props) {
	fmt.Printf("connect from %s/%s age=%s props=%v\n", userIDSender, clientIDSender, age, props)
}

func (cliCallbacks) OnAnswer(conn *econn.Connection, fromConflict bool, sdp string, props econn.Props) {
	fmt.Printf("answered fromConflict=%v props=%v\n", fromConflict, props)
}

func (cliCallbacks) OnUpdateReq(conn *econn.Connection, userIDSender, clientIDSender string, sdp string, props econn.Props, shouldReset bool) {
	fmt.Printf("update request from %s/%s shouldReset=%v\n", userIDSender, clientIDSender, shouldReset)
}

func (cliCallbacks) OnUpdateResp(conn *econn.Connection, sdp string, props econn.Props) {
	fmt.Printf("update response props=%v\n", props)
}

func (cliCallbacks) OnClose(conn *econn.Connection, err error) {
	fmt.Printf("call closed err=%v\n", err)
}
