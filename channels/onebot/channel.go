// Package onebot connects to a OneBot v11 endpoint over a forward
// websocket, turns group message events into conversation inbounds, and
// delivers replies with send_group_msg.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/usubeni/gptrelay/conversation"
	"github.com/usubeni/gptrelay/images"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

type Config struct {
	WSURL       string
	AccessToken string
}

// Responder is the orchestrator seam.
type Responder interface {
	HandleMessage(ctx context.Context, msg conversation.Inbound) (string, bool, error)
}

type Channel struct {
	cfg  Config
	resp Responder
	log  *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	echo    atomic.Int64
}

func New(cfg Config, resp Responder, log *slog.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.WSURL) == "" {
		return nil, fmt.Errorf("onebot: ws_url is required")
	}
	if resp == nil {
		return nil, fmt.Errorf("onebot: responder is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{cfg: cfg, resp: resp, log: log}, nil
}

// Run keeps a connection to the OneBot endpoint until the context ends,
// reconnecting with backoff after failures.
func (c *Channel) Run(ctx context.Context) error {
	delay := reconnectBaseDelay
	for {
		if err := c.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("onebot_connection_lost", "error", err, "retry_in", delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Channel) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("onebot: dial %s: %w", c.cfg.WSURL, err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
	}()
	c.log.Info("onebot_connected", "url", c.cfg.WSURL)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}

type rawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	MetaEventType string          `json:"meta_event_type"`
	SelfID        int64           `json:"self_id"`
	UserID        int64           `json:"user_id"`
	GroupID       int64           `json:"group_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
	Echo string `json:"echo"`
}

type rawSegment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
		QQ   string `json:"qq"`
		URL  string `json:"url"`
		File string `json:"file"`
		Path string `json:"path"`
	} `json:"data"`
}

func (c *Channel) handleFrame(ctx context.Context, data []byte) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Debug("onebot_frame_skipped", "error", err)
		return
	}
	if ev.Echo != "" || ev.PostType != "message" || ev.MessageType != "group" {
		return
	}

	msg := parseEvent(ev)
	go c.process(ctx, msg, ev.GroupID)
}

func (c *Channel) process(ctx context.Context, msg conversation.Inbound, groupID int64) {
	reply, replied, err := c.resp.HandleMessage(ctx, msg)
	if err != nil {
		c.log.Error("onebot_message_aborted", "session_id", msg.SessionID, "error", err)
		return
	}
	if !replied || reply == "" {
		return
	}
	if err := c.sendGroupMsg(groupID, reply); err != nil {
		c.log.Error("onebot_send_failed", "group_id", groupID, "error", err)
	}
}

// parseEvent derives the platform-independent inbound record: session id,
// sender display name (card, then nickname, then a numbered fallback),
// plain text, image segments and whether the bot was at-mentioned.
func parseEvent(ev rawEvent) conversation.Inbound {
	selfID := strconv.FormatInt(ev.SelfID, 10)
	segments, ok := parseSegments(ev.Message)

	var (
		textParts []string
		imgs      []images.Segment
		mentioned bool
	)
	if ok {
		for _, seg := range segments {
			switch seg.Type {
			case "text":
				textParts = append(textParts, seg.Data.Text)
			case "at":
				if seg.Data.QQ == selfID {
					mentioned = true
				}
			case "image":
				imgs = append(imgs, images.Segment{
					URL:  seg.Data.URL,
					File: seg.Data.File,
					Path: seg.Data.Path,
				})
			}
		}
	} else {
		// String-form message: fall back to the raw content with CQ codes
		// removed.
		mentioned = strings.Contains(ev.RawMessage, "[CQ:at,qq="+selfID+"]") ||
			strings.Contains(ev.RawMessage, "[CQ:at,qq="+selfID+",")
		textParts = append(textParts, stripCQCodes(ev.RawMessage))
	}

	name := ev.Sender.Card
	if name == "" {
		name = ev.Sender.Nickname
	}
	if name == "" {
		name = "用户" + strconv.FormatInt(ev.UserID, 10)
	}

	return conversation.Inbound{
		SessionID:     fmt.Sprintf("group_%d", ev.GroupID),
		SenderID:      strconv.FormatInt(ev.UserID, 10),
		SenderName:    name,
		SelfID:        selfID,
		Text:          strings.TrimSpace(strings.Join(textParts, "")),
		AddressedToMe: mentioned,
		Images:        imgs,
	}
}

func parseSegments(raw json.RawMessage) ([]rawSegment, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var segments []rawSegment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, false
	}
	return segments, true
}

var cqPattern = regexp.MustCompile(`\[CQ:[^\]]*\]`)

func stripCQCodes(s string) string {
	return cqPattern.ReplaceAllString(s, "")
}

type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

type sendGroupMsgParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

func (c *Channel) sendGroupMsg(groupID int64, text string) error {
	frame := apiRequest{
		Action: "send_group_msg",
		Params: sendGroupMsgParams{GroupID: groupID, Message: text},
		Echo:   fmt.Sprintf("send_%d", c.echo.Add(1)),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("onebot: not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
