package server

import (
	"runtime/debug"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stressline/internal/affirm"
	"stressline/internal/coach"
	"stressline/internal/domain"
	"stressline/internal/engine"
	"stressline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"invalid status transition snoozed -> resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stressline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stressline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEpisodes(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerDerived(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerAffirmations(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		debug.PrintStack() // TEMP DIAG
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var opErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type episodePath struct {
	EpisodeID string `path:"episode_id"`
}

func registerEpisodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-episode",
		Method:        http.MethodPost,
		Path:          "/episodes",
		Summary:       "Create stress episode",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateEpisodeRequest `json:"body"`
	}) (*struct {
		Body domain.Episode `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.CreateEpisode(ctx, engine.EpisodeCreateOptions{
			Title:           input.Body.Title,
			InitialStrength: input.Body.Strength,
			Note:            input.Body.Note,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Episode `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-episodes",
		Method:      http.MethodGet,
		Path:        "/episodes",
		Summary:     "List episodes with current strength",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []repo.EpisodeSummary `json:"body"`
	}, error) {
		items, err := e.Repo.ListEpisodes(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.EpisodeSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-episode",
		Method:      http.MethodGet,
		Path:        "/episodes/{episode_id}",
		Summary:     "Episode detail",
		Errors:      opErrors,
	}, func(ctx context.Context, input *episodePath) (*struct {
		Body EpisodeDetailResponse `json:"body"`
	}, error) {
		detail, err := episodeDetail(ctx, e, input.EpisodeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpisodeDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-strength",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/strength",
		Summary:       "Record a strength sample",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body RecordStrengthRequest `json:"body"`
	}) (*struct {
		Body domain.StrengthSample `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RecordStrength(ctx, input.EpisodeID, input.Body.Value, input.Body.Note, input.Body.Source, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StrengthSample `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-episode",
		Method:      http.MethodPost,
		Path:        "/episodes/{episode_id}/resolve",
		Summary:     "Mark episode resolved or enter maintenance",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body ResolveRequest `json:"body"`
	}) (*struct {
		Body domain.Episode `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.MarkResolved(ctx, input.EpisodeID, input.Body.Reason, input.Body.Maintenance, input.Body.MilestoneText, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Episode `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-episode",
		Method:      http.MethodPost,
		Path:        "/episodes/{episode_id}/reopen",
		Summary:     "Reopen an episode",
		Errors:      opErrors,
	}, func(ctx context.Context, input *episodePath) (*struct {
		Body domain.Episode `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.Reopen(ctx, input.EpisodeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Episode `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snooze-episode",
		Method:      http.MethodPost,
		Path:        "/episodes/{episode_id}/snooze",
		Summary:     "Snooze an episode",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body SnoozeRequest `json:"body"`
	}) (*struct {
		Body domain.Episode `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.Snooze(ctx, input.EpisodeID, input.Body.Days, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Episode `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "celebrate-milestone",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/celebrate",
		Summary:       "Celebrate an intervention without resolving",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body CelebrateRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CelebrateMilestone(ctx, input.EpisodeID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-appraisal",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/appraisals",
		Summary:       "Save a threat/controllability appraisal",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body AppraisalRequest `json:"body"`
	}) (*struct {
		Body domain.Appraisal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SaveAppraisal(ctx, engine.AppraisalOptions{
			EpisodeID:       input.EpisodeID,
			Threat:          input.Body.Threat,
			Controllability: input.Body.Controllability,
			Resources:       input.Body.Resources,
			Note:            input.Body.Note,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Appraisal `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-appraisal",
		Method:      http.MethodPost,
		Path:        "/episodes/{episode_id}/suggest",
		Summary:     "Ask the coach for an appraisal suggestion",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body SuggestRequest `json:"body"`
	}) (*struct {
		Body coach.AppraisalSuggestion `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SuggestAppraisal(ctx, input.EpisodeID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coach.AppraisalSuggestion `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-message",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/messages",
		Summary:       "Append a chat message",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body AppendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.ChatMessage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AppendMessage(ctx, input.EpisodeID, input.Body.Role, input.Body.Text, input.Body.Meta, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChatMessage `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/episodes/{episode_id}/messages",
		Summary:     "List chat messages",
		Errors:      opErrors,
	}, func(ctx context.Context, input *episodePath) (*struct {
		Body []domain.ChatMessage `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEpisode(ctx, input.EpisodeID); err != nil {
			return nil, handleError(err)
		}
		msgs, err := e.Repo.ListMessages(ctx, input.EpisodeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatMessage `json:"body"`
		}{Body: msgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-node",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/nodes",
		Summary:       "Append a timeline node",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body AddNodeRequest `json:"body"`
	}) (*struct {
		Body domain.TimelineNode `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.AddTimelineNode(ctx, input.EpisodeID, input.Body.Kind, input.Body.Title, input.Body.Meta, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimelineNode `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "episode-timeline",
		Method:      http.MethodGet,
		Path:        "/episodes/{episode_id}/timeline",
		Summary:     "Timeline nodes, newest first",
		Errors:      opErrors,
	}, func(ctx context.Context, input *episodePath) (*struct {
		Body []domain.TimelineNode `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEpisode(ctx, input.EpisodeID); err != nil {
			return nil, handleError(err)
		}
		nodes, err := e.Repo.ListNodes(ctx, input.EpisodeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimelineNode `json:"body"`
		}{Body: reverseNodes(nodes)}, nil
	})
}

func episodeDetail(ctx context.Context, e engine.Engine, episodeID string) (EpisodeDetailResponse, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	current, err := e.Repo.CurrentStrength(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	samples, err := e.Repo.ListStrength(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	nodes, err := e.Repo.ListNodes(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	msgs, err := e.Repo.ListMessages(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	var active *domain.CopingPlan
	plan, err := e.Repo.GetActivePlan(ctx, episodeID)
	switch {
	case err == nil:
		active = &plan
	case errors.Is(err, repo.ErrNotFound):
	default:
		return EpisodeDetailResponse{}, err
	}
	past, err := e.Repo.ListPastPlans(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	practices, err := e.Repo.ListPractices(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	appraisals, err := e.Repo.ListAppraisals(ctx, episodeID)
	if err != nil {
		return EpisodeDetailResponse{}, err
	}
	return EpisodeDetailResponse{
		Episode:         ep,
		CurrentStrength: current,
		Samples:         samples,
		Timeline:        reverseNodes(nodes),
		Messages:        msgs,
		ActivePlan:      active,
		PastPlans:       past,
		Practices:       practices,
		Appraisals:      appraisals,
	}, nil
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-plan",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/plan",
		Summary:       "Start a coping plan",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body StartPlanRequest `json:"body"`
	}) (*struct {
		Body domain.CopingPlan `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.StartPlan(ctx, input.EpisodeID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CopingPlan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-plan",
		Method:      http.MethodPost,
		Path:        "/episodes/{episode_id}/plan/complete",
		Summary:     "Complete the active coping plan",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		episodePath
		Body CompletePlanRequest `json:"body"`
	}) (*struct {
		Body CompletePlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CompletePlan(ctx, input.EpisodeID, input.Body.Success, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletePlanResponse `json:"body"`
		}{Body: CompletePlanResponse{Closed: p != nil, Plan: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-practice",
		Method:        http.MethodPost,
		Path:          "/episodes/{episode_id}/practice",
		Summary:       "Start an emotion practice",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *episodePath) (*struct {
		Body domain.EmotionPractice `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.StartPractice(ctx, input.EpisodeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmotionPractice `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-practice",
		Method:      http.MethodPost,
		Path:        "/episodes/{episode_id}/practice/finish",
		Summary:     "Finish the latest emotion practice",
		Errors:      opErrors,
	}, func(ctx context.Context, input *episodePath) (*struct {
		Body FinishPracticeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.FinishPractice(ctx, input.EpisodeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinishPracticeResponse `json:"body"`
		}{Body: FinishPracticeResponse{Finished: p != nil, Practice: p}}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-logs",
		Method:        http.MethodPost,
		Path:          "/logs",
		Summary:       "Append activity log events",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		Body AppendLogsRequest `json:"body"`
	}) (*struct {
		Body AppendedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		batch := make([]domain.ActivityEvent, 0, len(input.Body.Events))
		for _, ev := range input.Body.Events {
			batch = append(batch, domain.ActivityEvent{
				TS:              ev.TS,
				Site:            ev.Site,
				Kind:            ev.Kind,
				DurationMinutes: ev.DurationMinutes,
				TypingVolume:    ev.TypingVolume,
				SwitchCount:     ev.SwitchCount,
				Deep:            ev.Deep,
			})
		}
		n, err := e.AppendActivity(ctx, batch, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AppendedResponse `json:"body"`
		}{Body: AppendedResponse{Appended: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "seed-logs",
		Method:        http.MethodPost,
		Path:          "/logs/seed",
		Summary:       "Seed a demo activity log",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AppendedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.SeedActivity(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AppendedResponse `json:"body"`
		}{Body: AppendedResponse{Appended: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List activity log events",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ActivityEvent `json:"body"`
	}, error) {
		log, err := e.Repo.ListActivity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActivityEvent `json:"body"`
		}{Body: log}, nil
	})
}

func registerDerived(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "Derived attention signals",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Signal `json:"body"`
	}, error) {
		signals, err := e.Signals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Signal `json:"body"`
		}{Body: signals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "progress",
		Method:      http.MethodGet,
		Path:        "/progress",
		Summary:     "Derived progress counters",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		p, err := e.Progress(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "daily-summaries",
		Method:      http.MethodGet,
		Path:        "/summaries",
		Summary:     "Derived day summaries, newest first",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		list, err := e.DailySummaries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollup-summaries",
		Method:      http.MethodPost,
		Path:        "/summaries/rollup",
		Summary:     "Persist derived day summaries",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RollupResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		created, err := e.RollupSummaries(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RollupResponse `json:"body"`
		}{Body: RollupResponse{Created: created}}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/milestones",
		Summary:     "List milestones",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind"`
		EpisodeID string `query:"episode_id"`
		Since     string `query:"since" format:"date-time"`
		Until     string `query:"until" format:"date-time"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		list, err := e.Repo.ListMilestones(ctx, repo.MilestoneFilters{
			Kind:      input.Kind,
			EpisodeID: input.EpisodeID,
			Since:     input.Since,
			Until:     input.Until,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-milestone",
		Method:        http.MethodPost,
		Path:          "/milestones",
		Summary:       "Add a custom milestone",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		Body AddMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddCustomMilestone(ctx, input.Body.Title, input.Body.EpisodeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "affirm-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/affirm",
		Summary:     "Affirm a milestone and get an encouragement",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body AffirmationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AffirmMilestone(ctx, input.MilestoneID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AffirmationResponse `json:"body"`
		}{Body: AffirmationResponse{Text: affirm.ForMilestone(m), Milestone: &m}}, nil
	})
}

func registerAffirmations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-affirmation",
		Method:      http.MethodGet,
		Path:        "/affirmations/daily",
		Summary:     "Encouragement from the last 24 hours",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AffirmationResponse `json:"body"`
	}, error) {
		text, err := e.DailyAffirmation(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AffirmationResponse `json:"body"`
		}{Body: AffirmationResponse{Text: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "weekly-affirmation",
		Method:      http.MethodGet,
		Path:        "/affirmations/weekly",
		Summary:     "Review of the last 7 days",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AffirmationResponse `json:"body"`
	}, error) {
		text, err := e.WeeklyAffirmation(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AffirmationResponse `json:"body"`
		}{Body: AffirmationResponse{Text: text}}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-ledger",
		Method:        http.MethodPost,
		Path:          "/ledger",
		Summary:       "Add a resource ledger entry",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		Body AddLedgerRequest `json:"body"`
	}) (*struct {
		Body domain.LedgerEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.AddLedger(ctx, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LedgerEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "List resource ledger entries",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.LedgerEntry `json:"body"`
	}, error) {
		list, err := e.Repo.ListLedger(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LedgerEntry `json:"body"`
		}{Body: list}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key for a log source",
		DefaultStatus: http.StatusCreated,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext, err := NewAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			Key:       plaintext,
			ActorID:   key.ActorID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      opErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        opErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// NewAPIKeySecret returns a fresh plaintext key. Only the hash is stored.
func NewAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "slk_" + hex.EncodeToString(buf), nil
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Active profile config",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfileConfigResponse `json:"body"`
	}, error) {
		cfg := e.Config
		if stored, err := e.Repo.GetProfileConfig(ctx, cfg.Profile.ID); err == nil {
			stored.Profile.ID = cfg.Profile.ID
			cfg = stored
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
		Errors:      opErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Principal `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body Principal `json:"body"`
		}{Body: p}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stressline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui',
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
