// A dialer backed by a heya push relay. Each identity gets its own TLS
// session to the relay, an incoming token of its own, and nacl box encryption
// of message bodies between peers. The relay never sees who is talking to
// whom across identities because every inbox looks like an unrelated client.
package heya

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/network"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	heya_client "github.com/meow-io/heya/client"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	Scheme      = "heya"
	DefaultPort = heya_client.DefaultPort

	sendTokenLifetime = 365 * 24 * time.Hour
)

type ParsedURL struct {
	Host        string
	Port        int
	PublicBytes [32]byte
	SendToken   [32]byte
}

func (pu *ParsedURL) URL() string {
	return fmt.Sprintf("heya://%s:%d/%s/%s",
		pu.Host,
		pu.Port,
		base64.RawURLEncoding.EncodeToString(pu.PublicBytes[:]),
		base64.RawURLEncoding.EncodeToString(pu.SendToken[:]))
}

func ParseURL(u string) (*ParsedURL, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	if pu.Scheme != Scheme {
		return nil, fmt.Errorf("expected scheme %s, got %s", Scheme, pu.Scheme)
	}
	parts := strings.Split(pu.Path, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 2 path segments, got %d", len(parts)-1)
	}
	publicKeyBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	sendTokenBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if len(publicKeyBytes) != 32 || len(sendTokenBytes) != 32 {
		return nil, errors.New("expected 32-byte key and token")
	}
	port := DefaultPort
	if pu.Port() != "" {
		if _, err := fmt.Sscanf(pu.Port(), "%d", &port); err != nil {
			return nil, err
		}
	}
	return &ParsedURL{
		Host:        pu.Hostname(),
		Port:        port,
		PublicBytes: [32]byte(publicKeyBytes),
		SendToken:   [32]byte(sendTokenBytes),
	}, nil
}

type Dialer struct {
	config *config.Config
	log    *zap.SugaredLogger
	host   string
	port   int
}

func NewDialer(c *config.Config, host string, port int) *Dialer {
	return &Dialer{
		config: c,
		log:    c.Logger("network/heya"),
		host:   host,
		port:   port,
	}
}

func (d *Dialer) Dial(ctx context.Context, ident network.Identity) (network.Conn, error) {
	client, err := heya_client.NewClient(&heya_client.Config{
		Host:      d.host,
		Port:      d.port,
		Reconnect: true,
		Ping:      true,
		Debug:     d.config.Debug,
	})
	if err != nil {
		return nil, network.Failure(err)
	}
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, network.Failure(err)
	}
	token, err := client.MakeSendToken(ctx, time.Now(), time.Now().Add(sendTokenLifetime))
	if err != nil {
		client.Close()
		return nil, network.Failure(err)
	}

	priv := nacl.Key(ident.PrivateKey)
	pub := scalarmult.Base(priv)
	pumpCtx, cancelFn := context.WithCancel(context.Background())
	c := &conn{
		log:      d.log,
		client:   client,
		priv:     priv,
		incoming: make(chan *network.Envelope, 100),
		cancelFn: cancelFn,
		addr: (&ParsedURL{
			Host:        d.host,
			Port:        d.port,
			PublicBytes: *pub,
			SendToken:   [32]byte(token),
		}).URL(),
		sendToken: [32]byte(token),
	}
	go c.pump(pumpCtx)
	return c, nil
}

type conn struct {
	log       *zap.SugaredLogger
	client    *heya_client.Client
	priv      nacl.Key
	addr      string
	sendToken [32]byte
	nextSeq   uint64
	incoming  chan *network.Envelope
	cancelFn  context.CancelFunc
	closeOnce sync.Once
}

func (c *conn) Addr() string {
	return c.addr
}

func (c *conn) Send(ctx context.Context, to string, body []byte) error {
	parsed, err := ParseURL(to)
	if err != nil {
		return network.Failure(err)
	}
	sealed, err := c.seal(parsed.PublicBytes, body)
	if err != nil {
		return err
	}
	if err := c.client.Send(ctx, parsed.SendToken[:], sealed); err != nil {
		return network.Failure(err)
	}
	return nil
}

func (c *conn) Incoming() <-chan *network.Envelope {
	return c.incoming
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancelFn()
		c.client.CloseWithoutReconnect()
		close(c.incoming)
	})
	return nil
}

// seal produces senderPub(32) || nonce(12) || ciphertext+tag using the nacl
// precomputed shared key between sender and recipient.
func (c *conn) seal(recipientPub [32]byte, body []byte) ([]byte, error) {
	shared := box.Precompute(nacl.Key(recipientPub[:]), c.priv)
	aead, err := chacha20poly1305.New(shared[:])
	if err != nil {
		return nil, err
	}
	pub := scalarmult.Base(c.priv)
	out := make([]byte, 0, 32+chacha20poly1305.NonceSize+len(body)+chacha20poly1305.Overhead)
	out = append(out, pub[:]...)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := crypto_rand.Read(nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, body, nil), nil
}

func (c *conn) open(wire []byte) (*network.Envelope, error) {
	if len(wire) < 32+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("short message")
	}
	senderPub := wire[:32]
	nonce := wire[32 : 32+chacha20poly1305.NonceSize]
	ct := wire[32+chacha20poly1305.NonceSize:]
	shared := box.Precompute(nacl.Key(senderPub), c.priv)
	aead, err := chacha20poly1305.New(shared[:])
	if err != nil {
		return nil, err
	}
	body, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, err
	}
	return &network.Envelope{From: senderPub, Body: body}, nil
}

func (c *conn) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.client.Notifications():
			v, ok := n.(*heya_client.Notification)
			if !ok {
				continue
			}
			if len(v.Token) != 32 || [32]byte(v.Token) != c.sendToken || v.Seq < c.nextSeq {
				continue
			}
			for i := c.nextSeq; i < v.Seq; i++ {
				reqCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
				message, err := c.client.Want(reqCtx, c.sendToken[:], i)
				cancelFn()
				if err != nil {
					c.log.Warnf("want command failed: %#v", err)
					continue
				}
				c.nextSeq = i + 1
				if message == nil {
					c.log.Debugf("unable to get message %d", i)
					continue
				}
				env, err := c.open(message.Body)
				if err != nil {
					c.log.Warnf("unable to open message: %#v", err)
					continue
				}
				select {
				case c.incoming <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
