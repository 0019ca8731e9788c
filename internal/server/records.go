package server

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/autosave"
	"github.com/MarcoPoloResearchLab/rigging/internal/nested"
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

const maxDecimalPlaces = 18

type recordPayload struct {
	Type            string                     `json:"type"`
	ID              *int64                     `json:"id"`
	Attributes      map[string]any             `json:"attributes"`
	PreviousChanges map[string][2]any          `json:"previous_changes,omitempty"`
	Errors          []records.FieldError       `json:"errors,omitempty"`
	Associations    map[string][]recordPayload `json:"associations,omitempty"`
}

type recordChangePayload struct {
	ID      int64             `json:"id"`
	Action  string            `json:"action"`
	Changes map[string][2]any `json:"changes,omitempty"`
}

type changeEventPayload struct {
	RecordType string                `json:"recordType"`
	SaveID     string                `json:"saveId"`
	Changes    []recordChangePayload `json:"changes"`
	Timestamp  string                `json:"timestamp"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	attributes, ok := h.bindAttributes(c)
	if !ok {
		return
	}
	record, err := h.session.New(c.Param("type"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.assignAndSave(c, record, attributes, http.StatusCreated)
}

func (h *httpHandler) handleShow(c *gin.Context) {
	record, ok := h.findRecord(c)
	if !ok {
		return
	}
	for _, name := range splitList(c.Query("include")) {
		node, err := record.Association(name)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if _, err := node.Children(c.Request.Context()); err != nil {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, renderRecord(record))
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	attributes, ok := h.bindAttributes(c)
	if !ok {
		return
	}
	record, ok := h.findRecord(c)
	if !ok {
		return
	}
	h.assignAndSave(c, record, attributes, http.StatusOK)
}

func (h *httpHandler) handleDestroy(c *gin.Context) {
	record, ok := h.findRecord(c)
	if !ok {
		return
	}
	// Join rows are only removed for loaded links.
	for _, def := range record.Schema().Associations() {
		if def.Kind() != records.HasAndBelongsToMany {
			continue
		}
		node, err := record.Association(def.Name())
		if err != nil {
			h.writeError(c, err)
			return
		}
		if _, err := node.Children(c.Request.Context()); err != nil {
			h.writeError(c, err)
			return
		}
	}
	if err := h.engine.Destroy(c.Request.Context(), record); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) assignAndSave(c *gin.Context, record *records.Record, attributes map[string]any, status int) {
	ctx := c.Request.Context()
	if err := h.assigner.AssignAttributes(ctx, record, attributes); err != nil {
		h.writeError(c, err)
		return
	}
	saved, err := h.engine.Save(ctx, record)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !saved {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "validation_failed",
			"record": renderRecord(record),
		})
		return
	}
	c.JSON(status, renderRecord(record))
}

func (h *httpHandler) findRecord(c *gin.Context) (*records.Record, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return nil, false
	}
	record, err := h.session.Find(c.Request.Context(), c.Param("type"), id)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return record, true
}

// bindAttributes decodes the request body keeping numbers as json.Number so
// decimals are not rounded through float64.
func (h *httpHandler) bindAttributes(c *gin.Context) (map[string]any, bool) {
	decoder := gojson.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	var attributes map[string]any
	if err := decoder.Decode(&attributes); err != nil || attributes == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return attributes, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var serviceErr *autosave.ServiceError
	switch {
	case errors.Is(err, records.ErrUnknownRecordType):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_record_type"})
	case errors.Is(err, records.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found", "detail": err.Error()})
	case errors.Is(err, nested.ErrTooManyRecords):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "too_many_records", "detail": err.Error()})
	case errors.Is(err, records.ErrUnknownAttribute),
		errors.Is(err, records.ErrUnknownAssociation),
		errors.Is(err, records.ErrInvalidValue),
		errors.Is(err, records.ErrTargetMismatch),
		errors.Is(err, nested.ErrNestedNotAccepted),
		errors.Is(err, nested.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attributes", "detail": err.Error()})
	case errors.As(err, &serviceErr):
		h.logger.Error("record write failed", zap.String("code", serviceErr.Code()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed", "code": serviceErr.Code()})
	default:
		h.logger.Error("record request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func renderRecord(record *records.Record) recordPayload {
	return renderRecordVisited(record, map[*records.Record]struct{}{})
}

func renderRecordVisited(record *records.Record, visited map[*records.Record]struct{}) recordPayload {
	visited[record] = struct{}{}
	payload := recordPayload{
		Type:            record.Type(),
		Attributes:      map[string]any{},
		PreviousChanges: renderChanges(record.PreviousChanges()),
		Errors:          record.Errors().All(),
	}
	if !record.IsNew() {
		id := record.ID()
		payload.ID = &id
	}
	for _, def := range record.Schema().Attributes() {
		if record.Has(def.Name) {
			payload.Attributes[def.Name] = renderValue(record.Value(def.Name))
		}
	}
	for _, node := range record.AttachedAssociations() {
		children := make([]recordPayload, 0, len(node.Target()))
		for _, child := range node.Target() {
			if child.IsDestroyed() {
				continue
			}
			if _, seen := visited[child]; seen {
				continue
			}
			children = append(children, renderRecordVisited(child, visited))
		}
		if payload.Associations == nil {
			payload.Associations = map[string][]recordPayload{}
		}
		payload.Associations[node.Def().Name()] = children
	}
	return payload
}

func renderChanges(changes records.ChangeSet) map[string][2]any {
	if len(changes) == 0 {
		return nil
	}
	rendered := make(map[string][2]any, len(changes))
	for name, change := range changes {
		var old any
		if change.OldKnown {
			old = renderValue(change.Old)
		}
		rendered[name] = [2]any{old, renderValue(change.New)}
	}
	return rendered
}

func renderValue(value records.Value) any {
	switch value.Kind() {
	case records.KindNull:
		return nil
	case records.KindDecimal:
		return decimalString(value.Decimal())
	case records.KindTimestamp:
		return value.Time().Format(time.RFC3339Nano)
	case records.KindDate:
		return value.Time().Format("2006-01-02")
	case records.KindBlob:
		return value.Blob().Data
	default:
		return value.Interface()
	}
}

// decimalString renders terminating decimals in positional notation and falls
// back to the exact fraction otherwise.
func decimalString(value *big.Rat) string {
	if value.IsInt() {
		return value.RatString()
	}
	for places := 1; places <= maxDecimalPlaces; places++ {
		rendered := value.FloatString(places)
		parsed, ok := new(big.Rat).SetString(rendered)
		if ok && parsed.Cmp(value) == 0 {
			return rendered
		}
	}
	return value.RatString()
}

func splitList(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}
