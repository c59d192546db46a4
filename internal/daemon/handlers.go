package daemon

import (
	"errors"
	"os"
	"time"

	"github.com/msageha/agentflow/internal/flow"
	"github.com/msageha/agentflow/internal/uds"
)

// DeliverParams addresses a reply to recipients of a conversation.
type DeliverParams struct {
	ConversationID string   `json:"conversation_id"`
	Recipients     []string `json:"recipients"`
	Text           string   `json:"text"`
	MessageID      string   `json:"message_id,omitempty"`
}

type DeliverSessionParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type BroadcastParams struct {
	Text string `json:"text"`
}

type DeleteMessagesParams struct {
	IDs []string `json:"ids"`
}

// CleanupParams overrides the configured max age when MaxAgeHours > 0.
type CleanupParams struct {
	MaxAgeHours float64 `json:"max_age_hours,omitempty"`
}

type GroupParams struct {
	From         string   `json:"from,omitempty"`
	Participants []string `json:"participants"`
	Text         string   `json:"text"`
}

type DeliverResult struct {
	Delivered bool `json:"delivered"`
}

type CountResult struct {
	Count int `json:"count"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle(uds.CmdSnapshot, func(req *uds.Request) *uds.Response {
		snap, err := d.engine.GetControllerData()
		if err != nil {
			return d.failure(req, err)
		}
		return uds.SuccessResponse(snap)
	})

	d.server.Handle(uds.CmdDeliver, d.handleDeliver)
	d.server.Handle(uds.CmdDeliverSession, d.handleDeliverSession)
	d.server.Handle(uds.CmdBroadcast, d.handleBroadcast)
	d.server.Handle(uds.CmdDeleteMessages, d.handleDeleteMessages)
	d.server.Handle(uds.CmdCleanup, d.handleCleanup)
	d.server.Handle(uds.CmdGroup, d.handleGroup)

	d.server.Handle(uds.CmdClearAll, func(req *uds.Request) *uds.Response {
		if err := d.engine.ClearAll(); err != nil {
			return d.failure(req, err)
		}
		return uds.SuccessResponse(map[string]string{"status": "cleared"})
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleDeliver(req *uds.Request) *uds.Response {
	var p DeliverParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ok, err := d.engine.DeliverToParticipants(p.ConversationID, p.Recipients, p.Text, p.MessageID)
	if err != nil {
		return d.failure(req, err)
	}
	return uds.SuccessResponse(DeliverResult{Delivered: ok})
}

func (d *Daemon) handleDeliverSession(req *uds.Request) *uds.Response {
	var p DeliverSessionParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id is required")
	}
	ok, err := d.engine.DeliverToSession(p.SessionID, p.Text)
	if err != nil {
		return d.failure(req, err)
	}
	return uds.SuccessResponse(DeliverResult{Delivered: ok})
}

func (d *Daemon) handleBroadcast(req *uds.Request) *uds.Response {
	var p BroadcastParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	n, err := d.engine.Broadcast(p.Text)
	if err != nil {
		return d.failure(req, err)
	}
	return uds.SuccessResponse(CountResult{Count: n})
}

func (d *Daemon) handleDeleteMessages(req *uds.Request) *uds.Response {
	var p DeleteMessagesParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	n, err := d.engine.DeleteMessages(p.IDs)
	if err != nil {
		return d.failure(req, err)
	}
	return uds.SuccessResponse(CountResult{Count: n})
}

func (d *Daemon) handleCleanup(req *uds.Request) *uds.Response {
	var p CleanupParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	maxAge := time.Duration(d.config.Flow.MaxAgeHours) * time.Hour
	if p.MaxAgeHours > 0 {
		maxAge = time.Duration(p.MaxAgeHours * float64(time.Hour))
	}
	res, err := d.engine.CleanupOldData(maxAge)
	if err != nil {
		return d.failure(req, err)
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleGroup(req *uds.Request) *uds.Response {
	var p GroupParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	out, err := d.engine.StartGroupConversation(p.From, p.Participants, p.Text)
	if err != nil {
		return d.failure(req, err)
	}
	return uds.SuccessResponse(out)
}

// failure maps engine errors onto protocol error codes.
func (d *Daemon) failure(req *uds.Request, err error) *uds.Response {
	if errors.Is(err, flow.ErrInvalidInput) {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	d.logger.Errorf("command=%s: %v", req.Command, err)
	return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
}
