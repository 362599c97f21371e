package signaling

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/config"
)

// callVarName is the channel variable carrying our call id through the PBX
const callVarName = "FLOWDIALER_CALL_ID"

// defaultContext is the dialplan context outbound calls land in
const defaultContext = "flowdialer-out"

// Client is a line-oriented AMI client for the PBX the GoIP gateways register
// against. It keeps one TCP connection, fans incoming events out to
// subscribers, and reconnects on read errors.
type Client struct {
	config      *config.SignalingConfig
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	mu          sync.Mutex
	connected   bool
	subscribers []chan Event
	done        chan struct{}
}

// Event is one AMI event or action response
type Event struct {
	Type   string
	Fields map[string]string
}

// NewClient creates an unconnected client
func NewClient(cfg *config.SignalingConfig) *Client {
	return &Client{
		config:      cfg,
		subscribers: make([]chan Event, 0),
		done:        make(chan struct{}),
	}
}

// Connect dials the AMI port, authenticates, and starts the event reader
func (c *Client) Connect() error {
	addr := c.config.Address()
	log.Printf("[AMI] Connecting to %s", addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("error connecting: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)

	// Consume the protocol banner
	if _, err := c.reader.ReadString('\n'); err != nil {
		return fmt.Errorf("error reading banner: %w", err)
	}

	if err := c.login(); err != nil {
		c.conn.Close()
		return err
	}

	c.connected = true
	log.Printf("[AMI] Connected")

	go c.readEvents()

	return nil
}

func (c *Client) login() error {
	action := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n",
		c.config.Username, c.config.Secret)

	if _, err := c.writer.WriteString(action); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	response, err := c.readResponse()
	if err != nil {
		return err
	}

	if response.Fields["Response"] != "Success" {
		return fmt.Errorf("login failed: %s", response.Fields["Message"])
	}

	return nil
}

// readResponse reads one blank-line terminated Key: Value block
func (c *Client) readResponse() (*Event, error) {
	fields := make(map[string]string)

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break
		}

		parts := strings.SplitN(line, ": ", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}

	return &Event{
		Type:   fields["Event"],
		Fields: fields,
	}, nil
}

// readEvents pumps incoming events to subscribers until the connection drops,
// then hands off to reconnect. A successful reconnect starts a fresh reader
// goroutine, so this one exits either way.
func (c *Client) readEvents() {
	for {
		select {
		case <-c.done:
			return
		default:
			event, err := c.readResponse()
			if err != nil {
				log.Printf("[AMI] Error reading event: %v", err)
				c.reconnect()
				return
			}

			c.mu.Lock()
			for _, sub := range c.subscribers {
				select {
				case sub <- *event:
				default:
					// subscriber buffer full, drop for this subscriber
				}
			}
			c.mu.Unlock()
		}
	}
}

// Subscribe returns a buffered channel receiving all AMI events
func (c *Client) Subscribe() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Event, 2000)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		log.Printf("[AMI] Reconnecting in %d seconds...", c.config.ReconnectInterval)
		time.Sleep(time.Duration(c.config.ReconnectInterval) * time.Second)

		if err := c.Connect(); err != nil {
			log.Printf("[AMI] Error reconnecting: %v", err)
		} else {
			return
		}
	}
}

func (c *Client) sendAction(action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected to AMI")
	}

	if _, err := c.writer.WriteString(action); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Originate places an async call through the gateway port's SIP peer. The call
// id travels as both ActionID and a channel variable so OriginateResponse and
// later channel events can be tied back to the call.
func (c *Client) Originate(req OriginateRequest) error {
	channel := fmt.Sprintf("SIP/%s/%s", req.Credential, req.Number)
	log.Printf("[AMI] Originating call %s via %s", req.CallID, channel)

	dialContext := req.Context
	if dialContext == "" {
		dialContext = defaultContext
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	action := "Action: Originate\r\n"
	action += fmt.Sprintf("ActionID: %s\r\n", req.CallID)
	action += fmt.Sprintf("Channel: %s\r\n", channel)
	action += fmt.Sprintf("Context: %s\r\n", dialContext)
	action += "Exten: s\r\n"
	action += "Priority: 1\r\n"
	if req.CallerID != "" {
		action += fmt.Sprintf("CallerID: %s\r\n", req.CallerID)
	}
	action += fmt.Sprintf("Timeout: %d\r\n", timeout.Milliseconds())
	action += "Async: true\r\n"
	action += fmt.Sprintf("Variable: %s=%s\r\n", callVarName, req.CallID)
	for key, value := range req.Variables {
		action += fmt.Sprintf("Variable: %s=%s\r\n", key, value)
	}
	action += "\r\n"

	return c.sendAction(action)
}

// Hangup tears down a channel
func (c *Client) Hangup(channel, cause string) error {
	action := "Action: Hangup\r\n"
	action += fmt.Sprintf("Channel: %s\r\n", channel)
	if cause != "" {
		action += fmt.Sprintf("Cause: %s\r\n", cause)
	}
	action += "\r\n"

	return c.sendAction(action)
}

// Close shuts the connection down for good
func (c *Client) Close() error {
	close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ Originator = (*Client)(nil)
