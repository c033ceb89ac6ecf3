package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/archive/internal/platform/auth"
	"github.com/ehr/archive/internal/platform/dicom"
)

const mimeDICOMJSON = "application/dicom+json"

// Query parameters that configure a search rather than name a matching key.
const (
	paramFuzzy           = "fuzzymatching"
	paramRelational      = "relational"
	paramLimit           = "limit"
	paramIncludeRejected = "includerejected"
	paramIncludeField    = "includefield"
)

// Handler serves QIDO-RS style searches and aggregate lookups.
type Handler struct {
	engine *Engine
	params Params
	logger zerolog.Logger
}

// NewHandler creates a Handler. params holds the archive defaults that
// request parameters refine.
func NewHandler(engine *Engine, params Params, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, params: params, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients", h.search(LevelPatient))
	g.GET("/studies", h.search(LevelStudy))
	g.GET("/series", h.search(LevelSeries))
	g.GET("/instances", h.search(LevelInstance))
	g.GET("/studies/:pk/aggregate", h.GetStudyAggregate)
	g.GET("/series/:pk/aggregate", h.GetSeriesAggregate)

	admin := auth.RequireRole("archive-admin")
	g.POST("/studies/:pk/aggregate/refresh", h.RefreshStudyAggregate, admin)
	g.POST("/series/:pk/aggregate/refresh", h.RefreshSeriesAggregate, admin)
}

func (h *Handler) search(level Level) echo.HandlerFunc {
	return func(c echo.Context) error {
		params, err := h.requestParams(c)
		if err != nil {
			return err
		}
		keys, err := matchingKeys(c)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		ctx := c.Request().Context()
		res, err := h.engine.Execute(ctx, NewContext(level, params, keys))
		if err != nil {
			return h.httpError(c, err)
		}
		defer res.Close()

		return h.stream(c, res)
	}
}

// stream writes matches as one JSON array, element by element. Until the
// first match is written a failure still maps to an error status; after
// that the response is committed and a failure aborts the connection,
// leaving the array unterminated.
func (h *Handler) stream(c echo.Context, res *Results) error {
	ctx := c.Request().Context()
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return h.httpError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
	first, err := res.Attributes()
	if err != nil {
		// A JSON array cannot carry a failed entry.
		return h.httpError(c, err)
	}
	body, err := json.Marshal(first)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, mimeDICOMJSON)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte{'['})
	w.Write(body)
	w.Flush()

	n := 1
	for res.Next(ctx) {
		attrs, err := res.Attributes()
		if err == nil {
			body, err = json.Marshal(attrs)
		}
		if err != nil {
			h.abort(c, n, err)
		}
		w.Write([]byte{','})
		w.Write(body)
		n++
		if n%flushEvery == 0 {
			w.Flush()
		}
	}
	if err := res.Err(); err != nil {
		h.abort(c, n, err)
	}
	w.Write([]byte{']'})
	return nil
}

// flushEvery is how many matches are written between flushes.
const flushEvery = 64

func (h *Handler) abort(c echo.Context, written int, err error) {
	h.logger.Error().Err(err).Int("written", written).
		Str("path", c.Path()).Msg("aborting streamed search response")
	panic(http.ErrAbortHandler)
}

func (h *Handler) GetStudyAggregate(c echo.Context) error {
	pk, params, err := h.aggregateRequest(c)
	if err != nil {
		return err
	}
	agg, err := h.engine.StudyAggregate(c.Request().Context(), pk, params)
	if err != nil {
		return h.httpError(c, err)
	}
	if agg.NumberOfInstances == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) GetSeriesAggregate(c echo.Context) error {
	pk, params, err := h.aggregateRequest(c)
	if err != nil {
		return err
	}
	agg, err := h.engine.SeriesAggregate(c.Request().Context(), pk, params)
	if err != nil {
		return h.httpError(c, err)
	}
	if agg.NumberOfInstances == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "series not found")
	}
	return c.JSON(http.StatusOK, agg)
}

// RefreshStudyAggregate recomputes and stores the study aggregate regardless
// of what is cached.
func (h *Handler) RefreshStudyAggregate(c echo.Context) error {
	pk, params, err := h.aggregateRequest(c)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return h.httpError(c, err)
	}
	agg, err := h.engine.Aggregates().RecomputeStudy(c.Request().Context(), pk, params)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) RefreshSeriesAggregate(c echo.Context) error {
	pk, params, err := h.aggregateRequest(c)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return h.httpError(c, err)
	}
	agg, err := h.engine.Aggregates().RecomputeSeries(c.Request().Context(), pk, params)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) aggregateRequest(c echo.Context) (int64, Params, error) {
	pk, err := strconv.ParseInt(c.Param("pk"), 10, 64)
	if err != nil || pk <= 0 {
		return 0, Params{}, echo.NewHTTPError(http.StatusBadRequest, "invalid pk")
	}
	params, err := h.requestParams(c)
	if err != nil {
		return 0, Params{}, err
	}
	return pk, params, nil
}

// requestParams refines the archive defaults with the request's search
// options and the caller's retrieve AE title scope.
func (h *Handler) requestParams(c echo.Context) (Params, error) {
	p := h.params
	q := c.QueryParams()

	flags := []struct {
		name string
		set  func(bool)
	}{
		{paramFuzzy, func(v bool) {
			if v {
				p.Matching = MatchFuzzy
			} else {
				p.Matching = MatchExact
			}
		}},
		{paramRelational, func(v bool) { p.Relational = v }},
		{paramIncludeRejected, func(v bool) { p.ShowRejected = v }},
	}
	for _, f := range flags {
		if s := q.Get(f.name); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return Params{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", f.name, s))
			}
			f.set(v)
		}
	}

	if s := q.Get(paramLimit); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return Params{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", s))
		}
		if p.MaxResults == 0 || n < p.MaxResults {
			p.MaxResults = n
		}
	}

	scope, err := callerScope(p.RetrieveAETScope, auth.RetrieveAETsFromContext(c.Request().Context()))
	if err != nil {
		return Params{}, echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	p.RetrieveAETScope = scope
	return p, nil
}

// callerScope narrows the configured retrieve AE title scope to the AE titles
// the caller's token allows. A caller can never widen the configured scope.
func callerScope(configured, granted []string) ([]string, error) {
	switch {
	case len(granted) == 0:
		return configured, nil
	case len(configured) == 0:
		return granted, nil
	}
	scope := intersect(append([]string(nil), configured...), granted)
	if len(scope) == 0 {
		return nil, errors.New("no retrieve AE title is both configured and granted")
	}
	return scope, nil
}

// matchingKeys builds the match template from every query parameter that
// names an attribute by keyword or tag. Comma separated values form a list.
func matchingKeys(c echo.Context) (*dicom.AttributeSet, error) {
	keys := dicom.NewAttributeSet()
	for name, values := range c.QueryParams() {
		switch strings.ToLower(name) {
		case paramFuzzy, paramRelational, paramLimit, paramIncludeRejected, paramIncludeField:
			continue
		}
		tag, err := dicom.ParseTag(name)
		if err != nil {
			return nil, err
		}
		var list []string
		for _, v := range values {
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					list = append(list, s)
				}
			}
		}
		keys.SetString(tag, "", list...)
	}
	return keys, nil
}

func (h *Handler) httpError(c echo.Context, err error) error {
	var (
		cfgErr     *ConfigurationError
		keyErr     *MatchKeyError
		computeErr *AggregateComputeError
		rowErr     *RowError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &keyErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &computeErr):
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("aggregate unavailable")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "aggregate could not be computed")
	case errors.As(err, &rowErr):
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("query row failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "stored attributes could not be read")
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("query failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
}
