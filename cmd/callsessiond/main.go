// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Command callsessiond wires a raw sipgo.Server/DialogUA pair to a
// callsession.Manager, the same shape as the teacher's cmd/gopbx but built
// directly on sipgo instead of its diago wrapper: new INVITEs become
// ServerInvitations handed to Manager.HandleIncomingInvitation, and
// in-dialog re-INVITE/ACK/BYE requests are routed to the matching
// invitation through a dialog-ID-keyed cache (grounded on diago.go's
// DialogsServerCache/DialogsClientCache and its handleReInvite dispatch).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	session "github.com/sipline/callsession"
)

// dialogRouter keys outstanding invitations by their underlying sipgo
// dialog ID so in-dialog requests (re-INVITE, ACK, BYE) reach the leg
// that owns them, the way diago's two sync.Map caches do.
type dialogRouter struct {
	client sync.Map // string -> *session.ClientInvitation
	server sync.Map // string -> *session.ServerInvitation
}

func (r *dialogRouter) storeServer(inv *session.ServerInvitation) {
	r.server.Store(inv.DialogID(), inv)
}

func (r *dialogRouter) storeClient(inv *session.ClientInvitation) {
	r.client.Store(inv.DialogID(), inv)
}

func (r *dialogRouter) forget(id string) {
	r.server.Delete(id)
	r.client.Delete(id)
}

// noopEngine is a placeholder Engine: it performs no mixing of its own.
// A host wires its real audio engine (device I/O, conference mixer, ...)
// here instead.
type noopEngine struct{}

func (noopEngine) ConnectAudioTransport(session.AudioTransport) error    { return nil }
func (noopEngine) DisconnectAudioTransport(session.AudioTransport) error { return nil }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMicro}).With().Timestamp().Logger()

	ua, err := sipgo.NewUA()
	if err != nil {
		log.Fatal().Err(err).Msg("creating sip user agent")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("creating sip client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("creating sip server")
	}
	contactHDR := sip.ContactHeader{Address: sip.Uri{User: "callsessiond", Host: "127.0.0.1", Port: 5060}}
	dialogUA := sipgo.DialogUA{Client: client, ContactHDR: contactHDR}

	router := &dialogRouter{}
	manager := session.NewManager(session.NewConfig(), noopEngine{})

	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if id, err := sip.UASReadRequestDialogID(req); err == nil {
			if v, ok := router.server.Load(id); ok {
				inv := v.(*session.ServerInvitation)
				if err := inv.HandleReinvite(req, tx); err != nil {
					log.Error().Err(err).Str("dialog", id).Msg("handling re-INVITE")
				}
				return
			}
			if v, ok := router.client.Load(id); ok {
				inv := v.(*session.ClientInvitation)
				if err := inv.HandleReinvite(req, tx); err != nil {
					log.Error().Err(err).Str("dialog", id).Msg("handling re-INVITE")
				}
				return
			}
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
			return
		}

		dialog, err := dialogUA.ReadInvite(req, tx)
		if err != nil {
			log.Error().Err(err).Msg("reading inbound INVITE")
			return
		}
		inv, err := session.NewServerInvitation(dialog, contactHDR.Address.String())
		if err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
			return
		}
		router.storeServer(inv)

		var userAgent string
		if h := req.GetHeader("User-Agent"); h != nil {
			userAgent = h.Value()
		}
		s, err := manager.HandleIncomingInvitation(dialog.Context(), inv, userAgent)
		if err != nil {
			log.Error().Err(err).Msg("rejecting incoming call")
			router.forget(inv.DialogID())
			return
		}
		log.Info().Str("session", s.ID()).Msg("incoming call accepted for negotiation")
	})

	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		id, err := sip.UASReadRequestDialogID(req)
		if err != nil {
			return
		}
		v, ok := router.server.Load(id)
		if !ok {
			return
		}
		if err := v.(*session.ServerInvitation).HandleAck(req, tx); err != nil {
			log.Error().Err(err).Str("dialog", id).Msg("handling ACK")
		}
	})

	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if id, err := sip.UASReadRequestDialogID(req); err == nil {
			if v, ok := router.server.Load(id); ok {
				if err := v.(*session.ServerInvitation).HandleBye(req, tx); err != nil {
					log.Error().Err(err).Str("dialog", id).Msg("handling BYE")
				}
				router.forget(id)
				return
			}
		}
		if id, err := sip.UACReadRequestDialogID(req); err == nil {
			if v, ok := router.client.Load(id); ok {
				if err := v.(*session.ClientInvitation).HandleBye(req, tx); err != nil {
					log.Error().Err(err).Str("dialog", id).Msg("handling BYE")
				}
				router.forget(id)
			}
		}
	})

	log.Info().Msg("callsessiond listening")
	if err := server.ListenAndServe(ctx, "udp", "127.0.0.1:5060"); err != nil {
		log.Fatal().Err(err).Msg("callsessiond finished with error")
	}
}

// placeCall demonstrates the outbound leg: build a ClientInvitation, hand
// it to the manager (which sends the INVITE on a background goroutine),
// then register it in the router once a dialog ID exists (when the session
// reports WillStart) so an in-dialog re-INVITE/BYE for this leg can find
// its way back.
func placeCall(ctx context.Context, manager *session.Manager, router *dialogRouter, dialogUA sipgo.DialogUA, recipient sip.Uri) (*session.Session, error) {
	inv := session.NewClientInvitation(dialogUA, recipient)
	s, err := manager.PlaceCall(inv, true)
	if err != nil {
		return nil, err
	}
	s.Subscribe(func(ev session.Event) {
		if ev.Type == session.EventWillStart {
			router.storeClient(inv)
		}
	})
	return s, nil
}
