// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"
)

// sipInvitation is the Invitation state/event plumbing shared by
// ClientInvitation and ServerInvitation. The two adapters differ only in
// how the underlying sipgo dialog is created and how a response gets
// sent back; everything else (SDP bookkeeping, the event channel, state
// tracking) is common (grounded on the teacher's DialogClientSession/
// DialogServerSession pair sharing a DialogMedia embed).
type sipInvitation struct {
	mu sync.Mutex

	state                           DialogState
	offeredLocalSDP, offeredRemote  *SDP
	activeLocalSDP, activeRemoteSDP *SDP

	outgoing             bool
	callerURI, remoteURI string

	// pendingReinviteReq/Tx hold the in-dialog re-INVITE currently awaiting
	// a response (spec §4.2); both adapters answer it the same way diago's
	// own handleReInvite does, through the transaction, not the dialog.
	pendingReinviteReq *sip.Request
	pendingReinviteTx  sip.ServerTransaction

	events chan DialogEvent
}

func newSipInvitation(outgoing bool, callerURI, remoteURI string) *sipInvitation {
	st := DialogCalling
	if !outgoing {
		st = DialogIncoming
	}
	return &sipInvitation{
		state:     st,
		outgoing:  outgoing,
		callerURI: callerURI,
		remoteURI: remoteURI,
		events:    make(chan DialogEvent, 8),
	}
}

func (c *sipInvitation) SetOfferedLocalSDP(sdp *SDP) {
	c.mu.Lock()
	c.offeredLocalSDP = sdp
	c.mu.Unlock()
}

func (c *sipInvitation) OfferedRemoteSDP() *SDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offeredRemote
}

func (c *sipInvitation) ActiveLocalSDP() *SDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocalSDP
}

func (c *sipInvitation) ActiveRemoteSDP() *SDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRemoteSDP
}

func (c *sipInvitation) localSDPLocked() *SDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offeredLocalSDP
}

func (c *sipInvitation) CallerURI() string    { return c.callerURI }
func (c *sipInvitation) RemoteURI() string    { return c.remoteURI }
func (c *sipInvitation) IsOutgoing() bool     { return c.outgoing }
func (c *sipInvitation) Events() <-chan DialogEvent { return c.events }

func (c *sipInvitation) State() DialogState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *sipInvitation) transition(newState DialogState, extra DialogStateChange) {
	c.mu.Lock()
	prev := c.state
	c.state = newState
	c.mu.Unlock()
	extra.PrevState = prev
	extra.State = newState
	c.events <- DialogEvent{Kind: DialogEventStateChange, StateChange: extra}
}

// commitAnswer records a completed offer/answer round and emits the SDP
// update the session controller reacts to.
func (c *sipInvitation) commitAnswer(local, remote *SDP) {
	c.mu.Lock()
	c.activeLocalSDP, c.activeRemoteSDP = local, remote
	c.mu.Unlock()
	c.events <- DialogEvent{Kind: DialogEventSDPUpdate, SDPUpdate: SDPUpdate{Succeeded: true, LocalSDP: local, RemoteSDP: remote}}
}

func (c *sipInvitation) failAnswer(reason string) {
	c.events <- DialogEvent{Kind: DialogEventSDPUpdate, SDPUpdate: SDPUpdate{Succeeded: false, Error: reason}}
}

func (c *sipInvitation) setOfferedRemote(sdp *SDP) {
	c.mu.Lock()
	c.offeredRemote = sdp
	c.mu.Unlock()
}

// recordReinvite parses an inbound re-INVITE's offer and stashes req/tx
// for the matching RespondToReinvite call, mirroring diago's
// handleReInvite storing lastInvite under its media lock.
func (c *sipInvitation) recordReinvite(req *sip.Request, tx sip.ServerTransaction) error {
	remoteSDP, err := parseSDPBody(req.Body())
	if err != nil {
		return fmt.Errorf("parsing re-INVITE SDP: %w", err)
	}
	c.mu.Lock()
	c.offeredRemote = remoteSDP
	c.pendingReinviteReq = req
	c.pendingReinviteTx = tx
	c.mu.Unlock()
	return nil
}

// RespondToReinvite answers the re-INVITE most recently recorded by
// recordReinvite, through its own transaction (spec §4.2).
func (c *sipInvitation) RespondToReinvite(code int) error {
	c.mu.Lock()
	req, tx := c.pendingReinviteReq, c.pendingReinviteTx
	local := c.offeredLocalSDP
	remote := c.offeredRemote
	c.mu.Unlock()
	if req == nil || tx == nil {
		return fmt.Errorf("session: no re-INVITE pending")
	}

	if code < 200 || code >= 300 {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(code), sip.StatusCode(code).String(), nil))
		return nil
	}

	body, err := local.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling answer SDP: %w", err)
	}
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("responding to re-INVITE: %w", err)
	}
	c.commitAnswer(local, remote)
	c.transition(DialogConfirmed, DialogStateChange{})
	return nil
}

func parseSDPBody(body []byte) (*SDP, error) {
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing SDP body: %w", err)
	}
	return sd, nil
}

func headerValue(msg interface{ GetHeader(string) sip.Header }, name string) (string, bool) {
	h := msg.GetHeader(name)
	if h == nil {
		return "", false
	}
	return h.Value(), true
}

// remoteAgentHeaders pulls the Server and User-Agent headers, whichever are
// present, off any message carrying a GetHeader method, feeding the
// manager's remote_user_agent detection (original source's
// Session.remote_user_agent); the manager prefers Server when both are set.
func remoteAgentHeaders(msg interface{ GetHeader(string) sip.Header }) map[string]string {
	if msg == nil {
		return nil
	}
	out := map[string]string{}
	if v, ok := headerValue(msg, "Server"); ok {
		out["Server"] = v
	}
	if v, ok := headerValue(msg, "User-Agent"); ok {
		out["User-Agent"] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ClientInvitation adapts an outbound call leg over sipgo.DialogUA,
// grounded on Diago.InviteBridge's Invite/WaitAnswer/Ack sequence: the
// underlying *sipgo.DialogClientSession only exists once the INVITE has
// actually been sent, so SendInvite is where it gets created.
type ClientInvitation struct {
	*sipInvitation

	ua        sipgo.DialogUA
	recipient sip.Uri
	headers   []sip.Header

	// dialogMu guards dialog only; SDP/state fields live on the embedded
	// sipInvitation and go through its own mu via the locked accessors.
	dialogMu sync.Mutex
	dialog   *sipgo.DialogClientSession
}

// NewClientInvitation prepares (but does not yet send) an outbound call
// to recipient over ua. ua's Contact address is this host's own identity,
// used as the session's CallerURI.
func NewClientInvitation(ua sipgo.DialogUA, recipient sip.Uri, headers ...sip.Header) *ClientInvitation {
	return &ClientInvitation{
		sipInvitation: newSipInvitation(true, ua.ContactHDR.Address.String(), recipient.String()),
		ua:            ua,
		recipient:     recipient,
		headers:       headers,
	}
}

// SendInvite sends the INVITE, waits for a final answer, acknowledges it,
// and resolves the SDP offer/answer round (spec §4.1/§4.4).
func (c *ClientInvitation) SendInvite(ctx context.Context) error {
	body, err := c.localSDPLocked().Marshal()
	if err != nil {
		return fmt.Errorf("marshaling offer SDP: %w", err)
	}
	hdrs := append([]sip.Header{sip.NewHeader("Content-Type", "application/sdp")}, c.headers...)

	dialog, err := c.ua.Invite(ctx, c.recipient, body, hdrs...)
	if err != nil {
		c.transition(DialogDisconnected, DialogStateChange{HasCode: true, Code: 500, Reason: err.Error()})
		close(c.events)
		return fmt.Errorf("sending INVITE: %w", err)
	}
	c.dialogMu.Lock()
	c.dialog = dialog
	c.dialogMu.Unlock()
	c.transition(DialogCalling, DialogStateChange{})

	answerOpts := sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if res.StatusCode >= 180 && res.StatusCode < 200 {
				c.transition(DialogEarly, DialogStateChange{HasCode: true, Code: int(res.StatusCode), Reason: res.Reason})
			}
			return nil
		},
	}
	if err := dialog.WaitAnswer(ctx, answerOpts); err != nil {
		c.transition(DialogDisconnected, DialogStateChange{HasCode: true, Code: 487, Reason: err.Error()})
		close(c.events)
		return fmt.Errorf("waiting for answer: %w", err)
	}
	c.transition(DialogConnecting, DialogStateChange{HasCode: true, Code: 200, Reason: "OK", Headers: remoteAgentHeaders(dialog.InviteResponse)})

	remoteBody := dialog.InviteResponse.Body()
	remoteSDP, err := parseSDPBody(remoteBody)
	if err != nil {
		c.failAnswer(err.Error())
		_ = dialog.Bye(ctx)
		return err
	}
	c.setOfferedRemote(remoteSDP)

	if err := dialog.Ack(ctx); err != nil {
		c.transition(DialogDisconnected, DialogStateChange{HasCode: true, Code: 408, Reason: "No ACK received"})
		close(c.events)
		return fmt.Errorf("sending ACK: %w", err)
	}
	c.transition(DialogConfirmed, DialogStateChange{})
	c.commitAnswer(c.localSDPLocked(), remoteSDP)
	return nil
}

// DialogID returns the underlying sipgo dialog ID, empty until SendInvite
// has created the dialog. The host's re-INVITE/ACK/BYE router keys its
// dialog cache on this, mirroring diago's DialogsClientCache.
func (c *ClientInvitation) DialogID() string {
	c.dialogMu.Lock()
	defer c.dialogMu.Unlock()
	if c.dialog == nil {
		return ""
	}
	return c.dialog.ID
}

func (c *ClientInvitation) AcceptInvite(ctx context.Context) error {
	return fmt.Errorf("session: AcceptInvite is not valid on an outbound invitation")
}

func (c *ClientInvitation) RespondToInviteProvisionally(code int) error {
	return nil
}

func (c *ClientInvitation) SendReinvite(ctx context.Context) error {
	c.dialogMu.Lock()
	dialog := c.dialog
	c.dialogMu.Unlock()
	local := c.localSDPLocked()
	if dialog == nil {
		return fmt.Errorf("session: no active dialog")
	}
	body, err := local.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling re-INVITE SDP: %w", err)
	}
	req := sip.NewRequest(sip.INVITE, c.recipient)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res, err := dialog.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("sending re-INVITE: %w", err)
	}
	if !res.IsSuccess() {
		c.failAnswer(fmt.Sprintf("re-INVITE rejected: %d %s", res.StatusCode, res.Reason))
		return nil
	}
	remoteSDP, err := parseSDPBody(res.Body())
	if err != nil {
		c.failAnswer(err.Error())
		return err
	}
	c.setOfferedRemote(remoteSDP)
	c.commitAnswer(local, remoteSDP)
	return nil
}

func (c *ClientInvitation) Disconnect(ctx context.Context, code ...int) error {
	c.dialogMu.Lock()
	dialog := c.dialog
	c.dialogMu.Unlock()
	c.transition(DialogDisconnecting, DialogStateChange{})
	if dialog == nil {
		c.transition(DialogDisconnected, DialogStateChange{})
		close(c.events)
		return nil
	}
	err := dialog.Bye(ctx)
	c.transition(DialogDisconnected, DialogStateChange{HasMethod: true, Method: "BYE"})
	close(c.events)
	return err
}

// HandleReinvite is called by the host's sipgo OnInvite handler when an
// in-dialog re-INVITE arrives for this leg.
func (c *ClientInvitation) HandleReinvite(req *sip.Request, tx sip.ServerTransaction) error {
	if err := c.recordReinvite(req, tx); err != nil {
		return err
	}
	c.transition(DialogReinvited, DialogStateChange{})
	return nil
}

// HandleBye is called by the host's sipgo OnBye handler for this leg.
func (c *ClientInvitation) HandleBye(req *sip.Request, tx sip.ServerTransaction) error {
	c.dialogMu.Lock()
	dialog := c.dialog
	c.dialogMu.Unlock()
	if err := dialog.ReadBye(req, tx); err != nil {
		return err
	}
	c.transition(DialogDisconnected, DialogStateChange{HasMethod: true, Method: "BYE", Headers: byeHeaders(req)})
	close(c.events)
	return nil
}

// byeHeaders pulls the SIP Reason header (RFC 3326) off an incoming BYE,
// when present, so the failure-reason precedence chain can prefer it over
// a generic "BYE" method note.
func byeHeaders(req *sip.Request) map[string]string {
	v, ok := headerValue(req, "Reason")
	if !ok {
		return nil
	}
	return map[string]string{"Reason": v}
}

// ServerInvitation adapts an inbound call leg over an already-read
// *sipgo.DialogServerSession (grounded on diago.go's OnInvite handler,
// which calls DialogUA.ReadInvite before handing the dialog off).
type ServerInvitation struct {
	*sipInvitation

	dialog *sipgo.DialogServerSession
}

func NewServerInvitation(dialog *sipgo.DialogServerSession, localURI string) (*ServerInvitation, error) {
	remoteSDP, err := parseSDPBody(dialog.InviteRequest.Body())
	if err != nil {
		return nil, fmt.Errorf("parsing offered SDP: %w", err)
	}
	s := &ServerInvitation{
		sipInvitation: newSipInvitation(false, localURI, dialog.InviteRequest.From().Address.String()),
		dialog:        dialog,
	}
	s.setOfferedRemote(remoteSDP)
	return s, nil
}

// DialogID returns the underlying sipgo dialog ID, for the same cache key
// use as ClientInvitation.DialogID.
func (s *ServerInvitation) DialogID() string {
	return s.dialog.ID
}

func (s *ServerInvitation) SendInvite(ctx context.Context) error {
	return fmt.Errorf("session: SendInvite is not valid on an inbound invitation")
}

func (s *ServerInvitation) AcceptInvite(ctx context.Context) error {
	local := s.localSDPLocked()
	body, err := local.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling answer SDP: %w", err)
	}
	if err := s.dialog.Respond(sip.StatusOK, "OK", body, sip.NewHeader("Content-Type", "application/sdp")); err != nil {
		return fmt.Errorf("responding 200 OK: %w", err)
	}
	s.transition(DialogConnecting, DialogStateChange{HasCode: true, Code: 200, Reason: "OK", Headers: remoteAgentHeaders(s.dialog.InviteRequest)})
	s.transition(DialogConfirmed, DialogStateChange{})
	s.commitAnswer(local, s.OfferedRemoteSDP())
	return nil
}

func (s *ServerInvitation) RespondToInviteProvisionally(code int) error {
	reason := "Ringing"
	if code == 100 {
		reason = "Trying"
	}
	if err := s.dialog.Respond(sip.StatusCode(code), reason, nil); err != nil {
		return fmt.Errorf("responding %d: %w", code, err)
	}
	if code >= 180 && code < 200 {
		s.transition(DialogEarly, DialogStateChange{HasCode: true, Code: code, Reason: reason})
	}
	return nil
}

func (s *ServerInvitation) SendReinvite(ctx context.Context) error {
	local := s.localSDPLocked()
	body, err := local.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling re-INVITE SDP: %w", err)
	}
	req := sip.NewRequest(sip.INVITE, s.dialog.RemoteContact().Address)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res, err := s.dialog.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("sending re-INVITE: %w", err)
	}
	if !res.IsSuccess() {
		s.failAnswer(fmt.Sprintf("re-INVITE rejected: %d %s", res.StatusCode, res.Reason))
		return nil
	}
	remoteSDP, err := parseSDPBody(res.Body())
	if err != nil {
		s.failAnswer(err.Error())
		return err
	}
	s.setOfferedRemote(remoteSDP)
	s.commitAnswer(local, remoteSDP)
	return nil
}

func (s *ServerInvitation) Disconnect(ctx context.Context, code ...int) error {
	s.transition(DialogDisconnecting, DialogStateChange{})
	err := s.dialog.Bye(ctx)
	s.transition(DialogDisconnected, DialogStateChange{HasMethod: true, Method: "BYE"})
	close(s.events)
	return err
}

// HandleAck is called by the host's sipgo OnAck handler for this leg.
func (s *ServerInvitation) HandleAck(req *sip.Request, tx sip.ServerTransaction) error {
	return s.dialog.ReadAck(req, tx)
}

// HandleReinvite is called by the host's sipgo OnInvite handler when an
// in-dialog re-INVITE arrives for this leg, grounded on diago's
// handleReInvite (ReadRequest absorbs it into the dialog, the response is
// still sent through the transaction).
func (s *ServerInvitation) HandleReinvite(req *sip.Request, tx sip.ServerTransaction) error {
	if err := s.dialog.ReadRequest(req, tx); err != nil {
		return err
	}
	if err := s.recordReinvite(req, tx); err != nil {
		return err
	}
	s.transition(DialogReinvited, DialogStateChange{})
	return nil
}

// HandleBye is called by the host's sipgo OnBye handler for this leg.
func (s *ServerInvitation) HandleBye(req *sip.Request, tx sip.ServerTransaction) error {
	if err := s.dialog.ReadBye(req, tx); err != nil {
		return err
	}
	s.transition(DialogDisconnected, DialogStateChange{HasMethod: true, Method: "BYE", Headers: byeHeaders(req)})
	close(s.events)
	return nil
}
