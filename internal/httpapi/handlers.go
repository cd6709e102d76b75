package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/eventfamily/internal/eventfamily"
	"horse.fit/eventfamily/internal/globaltime"
	"horse.fit/eventfamily/internal/readmodel"
)

type efKeyRequest struct {
	Theater     string          `json:"theater"`
	EventType   string          `json:"event_type"`
	Actors      []string        `json:"actors"`
	CompareWith *eventfamily.EF `json:"compare_with,omitempty"`
}

type efComparison struct {
	EFKey           string  `json:"ef_key"`
	SameKey         bool    `json:"same_key"`
	ActorSimilarity float64 `json:"actor_similarity"`
	MergeCandidate  bool    `json:"merge_candidate"`
}

type efKeyResponse struct {
	EFKey      string        `json:"ef_key"`
	Theater    string        `json:"theater"`
	EventType  string        `json:"event_type"`
	Actors     []string      `json:"actors"`
	Comparison *efComparison `json:"comparison,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request().Context()); err != nil {
			s.logger.Error().Err(err).Msg("database ping failed")
			return errorWithStatus(c, http.StatusServiceUnavailable, "Database unavailable")
		}
	}
	return success(c, map[string]any{
		"service": "eventfamily",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	since := globaltime.UTC().Add(-s.opts.ClusterWindow)
	stats, err := s.store.Stats(c.Request().Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleClusters(c echo.Context) error {
	page, err := parsePositiveInt(c.QueryParam("page"), 1, 1, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"page": err.Error()})
	}
	pageSize, err := parsePositiveInt(c.QueryParam("page_size"), readmodel.DefaultPageSize, 1, readmodel.MaxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"page_size": err.Error()})
	}
	clusterType := strings.ToLower(strings.TrimSpace(c.QueryParam("type")))
	switch clusterType {
	case "", "seed", "final", "macro":
	default:
		return failValidation(c, map[string]string{"type": "must be one of seed, final, macro"})
	}

	filter := readmodel.NormalizeClusterFilter(readmodel.ClusterFilter{
		Type:     clusterType,
		EFKey:    c.QueryParam("ef_key"),
		Page:     page,
		PageSize: pageSize,
	})
	total, items, err := s.store.ListClusters(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("query clusters failed")
		return internalError(c, "Failed to load clusters")
	}

	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return success(c, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"page":        page,
			"page_size":   pageSize,
			"total_items": total,
			"total_pages": totalPages,
		},
		"filters": map[string]any{
			"type":   filter.Type,
			"ef_key": filter.EFKey,
		},
	})
}

func (s *Server) handleClusterDetail(c echo.Context) error {
	clusterUUID := strings.TrimSpace(c.Param("cluster_uuid"))
	if clusterUUID == "" {
		return failValidation(c, map[string]string{"cluster_uuid": "is required"})
	}

	detail, err := s.store.ClusterDetail(c.Request().Context(), clusterUUID)
	if err != nil {
		if errors.Is(err, readmodel.ErrClusterNotFound) {
			return failNotFound(c, "Cluster not found")
		}
		s.logger.Error().Err(err).Str("cluster_uuid", clusterUUID).Msg("query cluster detail failed")
		return internalError(c, "Failed to load cluster detail")
	}
	return success(c, detail)
}

func (s *Server) handleVocabulary(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), 100, 1, 1000)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	hubsOnly := false
	if raw := strings.TrimSpace(c.QueryParam("hubs")); raw != "" {
		hubsOnly, err = strconv.ParseBool(raw)
		if err != nil {
			return failValidation(c, map[string]string{"hubs": "must be a boolean"})
		}
	}

	filter := readmodel.VocabularyFilter{
		HubsOnly: hubsOnly,
		Prefix:   c.QueryParam("prefix"),
		Limit:    limit,
	}
	entries, err := s.store.Vocabulary(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("query vocabulary failed")
		return internalError(c, "Failed to load vocabulary")
	}
	return success(c, map[string]any{
		"items":     entries,
		"hubs_only": hubsOnly,
		"limit":     limit,
	})
}

func (s *Server) handleMergeCandidates(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), 100, 1, 1000)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	candidates, err := s.store.MergeCandidates(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query merge candidates failed")
		return internalError(c, "Failed to load merge candidates")
	}
	return success(c, map[string]any{
		"items": candidates,
		"limit": limit,
	})
}

// handleEFKey computes the key of a proposed event family, optionally
// comparing it to a second one. Nothing is stored.
func (s *Server) handleEFKey(c echo.Context) error {
	var req efKeyRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}

	family := eventfamily.EF{Theater: req.Theater, EventType: req.EventType, Actors: req.Actors}
	fieldErrors := efValidationErrors(family, "")
	if req.CompareWith != nil {
		for field, msg := range efValidationErrors(*req.CompareWith, "compare_with.") {
			fieldErrors[field] = msg
		}
	}
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	key := eventfamily.GenerateKey(family.Theater, family.EventType)
	resp := efKeyResponse{
		EFKey:     key,
		Theater:   strings.TrimSpace(family.Theater),
		EventType: strings.TrimSpace(family.EventType),
		Actors:    eventfamily.NormalizeActors(family.Actors),
	}
	if req.CompareWith != nil {
		other := *req.CompareWith
		otherKey := eventfamily.GenerateKey(other.Theater, other.EventType)
		resp.Comparison = &efComparison{
			EFKey:           otherKey,
			SameKey:         otherKey == key,
			ActorSimilarity: eventfamily.ActorSimilarity(family.Actors, other.Actors),
			MergeCandidate:  eventfamily.IsMergeCandidate(family, other),
		}
	}
	return success(c, resp)
}

func efValidationErrors(family eventfamily.EF, prefix string) map[string]string {
	fieldErrors := make(map[string]string)
	err := family.Validate()
	if err == nil {
		return fieldErrors
	}
	if errors.Is(err, eventfamily.ErrMissingTheater) {
		fieldErrors[prefix+"theater"] = "is required"
	}
	if errors.Is(err, eventfamily.ErrMissingEventType) {
		fieldErrors[prefix+"event_type"] = "is required"
	}
	if errors.Is(err, eventfamily.ErrMissingActors) {
		fieldErrors[prefix+"actors"] = "needs at least one non-empty actor"
	}
	if errors.Is(err, eventfamily.ErrKeySeparator) {
		if strings.Contains(family.Theater, "|") {
			fieldErrors[prefix+"theater"] = "must not contain '|'"
		}
		if strings.Contains(family.EventType, "|") {
			fieldErrors[prefix+"event_type"] = "must not contain '|'"
		}
	}
	return fieldErrors
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
