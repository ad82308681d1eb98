package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DefaultIdleTimeout is how long an unused LDAP connection stays open.
const DefaultIdleTimeout = 5 * time.Second

// LDAPConfig holds the connection settings of an LDAPConn.
type LDAPConfig struct {
	// URI of the server, e.g. "ldap://ldap" or "ldaps://ldap.example.org".
	URI string
	// BindDN and Password authenticate the connection. An empty BindDN
	// keeps the connection anonymous.
	BindDN   string
	Password string
	// IdleTimeout closes the connection after this long without a search.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// LDAPConn is a Conn backed by a lazily dialed LDAP connection that is
// closed again once it has been idle for IdleTimeout.
type LDAPConn struct {
	config LDAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *ldap.Conn
	active int
	idle   *time.Timer
	closed bool
}

// NewLDAPConn validates config. No connection is made until the first search.
func NewLDAPConn(config LDAPConfig) (*LDAPConn, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("directory: LDAP URI is required")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &LDAPConn{config: config, logger: config.Logger}, nil
}

// Search implements Conn.
func (c *LDAPConn) Search(ctx context.Context, request SearchRequest) ([]Entry, error) {
	conn, err := c.acquire()
	if err != nil {
		return nil, err
	}

	searchRequest := ldap.NewSearchRequest(
		request.Base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		request.SizeLimit,
		0,
		false,
		request.Filter,
		request.Attributes,
		nil,
	)

	var entries []Entry
	response := conn.SearchAsync(ctx, searchRequest, 64)
	for response.Next() {
		entry := response.Entry()
		attributes := make(map[string][]string, len(entry.Attributes))
		for _, attribute := range entry.Attributes {
			attributes[attribute.Name] = attribute.Values
		}
		entries = append(entries, NewEntry(entry.DN, attributes))
	}
	err = response.Err()
	// Hitting the size limit still yields the rows read so far.
	if err != nil && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		err = nil
	}
	c.release(err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork))
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the underlying connection. Further searches fail.
func (c *LDAPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *LDAPConn) acquire() (*ldap.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("directory: connection closed")
	}
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.conn == nil || c.conn.IsClosing() {
		conn, err := ldap.DialURL(c.config.URI)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.config.URI, err)
		}
		if c.config.BindDN != "" {
			if err := conn.Bind(c.config.BindDN, c.config.Password); err != nil {
				conn.Close()
				return nil, fmt.Errorf("bind as %s: %w", c.config.BindDN, err)
			}
		}
		c.logger.Debug("connected to LDAP", "uri", c.config.URI)
		c.conn = conn
	}
	c.active++
	return c.conn, nil
}

func (c *LDAPConn) release(broken bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	if broken && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.active == 0 && c.conn != nil && !c.closed {
		c.idle = time.AfterFunc(c.config.IdleTimeout, c.closeIdle)
	}
}

func (c *LDAPConn) closeIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active > 0 || c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.logger.Debug("closed idle LDAP connection", "uri", c.config.URI)
}

var _ Conn = (*LDAPConn)(nil)
