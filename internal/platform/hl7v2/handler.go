package hl7v2

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
)

// Processor turns one HL7 message into a reading and acknowledges it:
// AA when ingested, AR when the message cannot be parsed or mapped, AE when
// the reading is rejected or could not be stored.
type Processor struct {
	ingest vitals.IngestFunc
	logger zerolog.Logger
}

func NewProcessor(ingest vitals.IngestFunc, logger zerolog.Logger) *Processor {
	return &Processor{
		ingest: ingest,
		logger: logger.With().Str("component", "hl7").Logger(),
	}
}

// Process implements MessageHandler.
func (p *Processor) Process(ctx context.Context, raw []byte) (*Message, error) {
	msg, err := Parse(raw)
	if err != nil {
		return GenerateACK(nil, AckReject, err.Error()), &StructureError{Msg: err.Error()}
	}

	reading, err := ToRawReading(msg)
	if err != nil {
		return GenerateACK(msg, AckReject, err.Error()), err
	}

	if err := p.ingest(ctx, reading); err != nil {
		text := "internal error"
		if apperror.KindOf(err) != "" {
			text = err.Error()
		}
		return GenerateACK(msg, AckError, text), err
	}

	p.logger.Debug().
		Str("control_id", msg.ControlID).
		Str("patient_id", reading.PatientID).
		Msg("HL7 observation accepted")
	return GenerateACK(msg, AckAccept, ""), nil
}

// Handler exposes the processor over HTTP for interface engines that cannot
// speak MLLP.
type Handler struct {
	proc *Processor
}

func NewHandler(proc *Processor) *Handler {
	return &Handler{proc: proc}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/oru - ingest an ORU^R01 message, responds with the ACK
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/hl7v2/oru", h.Ingest, mw...)
}

// Ingest handles POST /api/v1/hl7v2/oru. The body is the raw message; the
// response body is the ACK, with the status reflecting the MSA-1 code.
func (h *Handler) Ingest(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, mllpMaxMessageSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > mllpMaxMessageSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message exceeds 1 MiB")
	}

	ack, err := h.proc.Process(c.Request().Context(), body)
	status := http.StatusOK
	if err != nil {
		var se *StructureError
		if errors.As(err, &se) {
			status = http.StatusBadRequest
		} else {
			status = apperror.HTTPStatus(err)
		}
	}
	return c.Blob(status, "application/hl7-v2", SerializeMessage(ack))
}
