package offers

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tradedesk/tradedesk/internal/platform/httpx"
	"github.com/tradedesk/tradedesk/internal/shared"
)

const (
	mimeCSV  = "text/csv; charset=utf-8"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePDF  = "application/pdf"
)

// Handler exposes offer operations over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers offer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/inquiries/{inquiryID}/offers", h.createOffer)

	r.Route("/offers", func(r chi.Router) {
		r.Get("/", h.listOffers)
		r.Get("/statistics", h.statistics)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getOffer)
			r.Patch("/", h.updateOffer)
			r.Delete("/", h.deleteOffer)
			r.Put("/status", h.setStatus)
			r.Post("/recalculate", h.recalculate)
			r.Post("/revisions", h.createRevision)

			r.Put("/line-items", h.bulkUpdateLineItems)
			r.Patch("/line-items/{itemID}", h.updateLineItem)
			r.Post("/line-items/{itemID}/prices", h.addPrice)
			r.Put("/line-items/{itemID}/active-price", h.setActivePrice)
			r.Post("/prices/paste", h.pastePrices)

			r.Get("/export.csv", h.exportCSV)
			r.Get("/export.xlsx", h.exportXLSX)
			r.Post("/pdf", h.requestPDF)
			r.Get("/pdf", h.downloadPDF)
		})
	})
}

func (h *Handler) createOffer(w http.ResponseWriter, r *http.Request) {
	inquiryID, err := pathID(r, "inquiryID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req CreateOfferRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	offer, err := h.service.CreateFromInquiry(r.Context(), inquiryID, req, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusCreated, offer)
}

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offers, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []Offer{}
	}
	httpx.OKWithMeta(w, offers, page)
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	verr := &shared.ValidationError{}
	filter := ListFilter{Search: strings.TrimSpace(q.Get("search"))}

	optionalID := func(name string) *int64 {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			verr.Add(name, "must be a positive integer")
			return nil
		}
		return &id
	}
	filter.InquiryID = optionalID("inquiry_id")
	filter.CustomerID = optionalID("customer_id")

	if raw := q.Get("status"); raw != "" {
		st := Status(raw)
		if !st.Valid() {
			verr.Add("status", "must be one of "+joinStatuses())
		}
		filter.Status = &st
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "per_page": &filter.PerPage} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			verr.Add(name, "must be a non-negative integer")
			continue
		}
		*dst = n
	}
	if !verr.Empty() {
		return ListFilter{}, verr
	}
	return filter, nil
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, stats)
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, offer)
}

func (h *Handler) updateOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req UpdateOfferRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, offer)
}

func (h *Handler) deleteOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, map[string]int64{"id": id})
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req StatusRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, offer)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.Recalculate(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, offer)
}

func (h *Handler) createRevision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.CreateRevision(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusCreated, offer)
}

func (h *Handler) updateLineItem(w http.ResponseWriter, r *http.Request) {
	id, itemID, err := pathIDs(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req LineItemInput
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.UpdateLineItem(r.Context(), id, itemID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, offer)
}

func (h *Handler) bulkUpdateLineItems(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req BulkLineItemsRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.BulkUpdateLineItems(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, result)
}

func (h *Handler) addPrice(w http.ResponseWriter, r *http.Request) {
	id, itemID, err := pathIDs(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req AddPriceRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.AddPrice(r.Context(), id, itemID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusCreated, offer)
}

func (h *Handler) setActivePrice(w http.ResponseWriter, r *http.Request) {
	id, itemID, err := pathIDs(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req SetActivePriceRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	offer, err := h.service.SetActivePrice(r.Context(), id, itemID, *req.Index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, offer)
}

func (h *Handler) pastePrices(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req PasteRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.PastePrices(r.Context(), id, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, result)
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	offer, err := h.service.ExportCSV(r.Context(), id, &buf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeAttachment(w, mimeCSV, offer.OfferNumber+".csv", buf.Bytes())
}

func (h *Handler) exportXLSX(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	offer, err := h.service.ExportXLSX(r.Context(), id, &buf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeAttachment(w, mimeXLSX, offer.OfferNumber+".xlsx", buf.Bytes())
}

func (h *Handler) requestPDF(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.RequestPDF(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusAccepted, map[string]any{"offer_id": id, "queued": true})
}

func (h *Handler) downloadPDF(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.service.LatestPDF(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeAttachment(w, mimePDF, doc.FileName, doc.Content)
}

func writeAttachment(w http.ResponseWriter, contentType, fileName string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !httpx.IsClientError(err) {
		h.logger.ErrorContext(r.Context(), "offer request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

func pathIDs(r *http.Request) (int64, int64, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, 0, err
	}
	itemID, err := pathID(r, "itemID")
	if err != nil {
		return 0, 0, err
	}
	return id, itemID, nil
}
