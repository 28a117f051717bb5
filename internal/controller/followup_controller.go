// internal/controller/followup_controller.go
package controller

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "time"

    "github.com/go-chi/chi/v5"

    "github.com/unclebandit/followup-engine/internal/behavior"
    "github.com/unclebandit/followup-engine/internal/clock"
    appErrors "github.com/unclebandit/followup-engine/internal/errors"
    "github.com/unclebandit/followup-engine/internal/governor"
    "github.com/unclebandit/followup-engine/internal/model"
    "github.com/unclebandit/followup-engine/internal/repository"
    "github.com/unclebandit/followup-engine/internal/service"
    "github.com/unclebandit/followup-engine/internal/timing"
)

// Ticker runs one dispatch pass.
type Ticker interface {
    Tick(ctx context.Context) (service.TickResult, error)
}

// Planner is the enrollment side of the engine.
type Planner interface {
    Enroll(ctx context.Context, leadID, campaignID, scope string, temp model.Temperature) (*model.Enrollment, *model.ScheduledTask, error)
    ApplySignal(ctx context.Context, leadID string, signal model.Signal) ([]*model.Enrollment, error)
    Preview(ctx context.Context, e *model.Enrollment) (behavior.Profile, timing.Prediction, error)
}

type FollowupController struct {
    // Dispatcher is nil when another process owns ticking; the tick route is then not mounted.
    Dispatcher  Ticker
    Planner     Planner
    Enrollments repository.EnrollmentRepositoryInterface
    Tasks       repository.TaskRepositoryInterface
    Governor    *governor.Governor
    Clock       clock.Clock
    // TickToken guards POST /dispatch/tick; empty disables the check.
    TickToken string
}

// Routes mounts every endpoint on a chi router.
func (c *FollowupController) Routes() chi.Router {
    r := chi.NewRouter()
    if c.Dispatcher != nil {
        r.With(RequireBearer(c.TickToken)).Post("/dispatch/tick", c.Tick)
    }
    r.Post("/enrollments", c.Enroll)
    r.Get("/leads/{leadID}/enrollments", c.ListEnrollments)
    r.Post("/leads/{leadID}/signals", c.ApplySignal)
    r.Get("/leads/{leadID}/profile", c.Profile)
    r.Get("/scopes/{scope}/budget", c.Budget)
    return r
}

// RequireBearer rejects requests without the static bearer token.
func RequireBearer(token string) func(http.Handler) http.Handler {
    expected := "Bearer " + token
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            if token != "" && r.Header.Get("Authorization") != expected {
                http.Error(w, "unauthorized", http.StatusUnauthorized)
                return
            }
            next.ServeHTTP(w, r)
        })
    }
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(v)
}

func (c *FollowupController) now() time.Time {
    if c.Clock == nil {
        return time.Now().UTC()
    }
    return c.Clock.Now()
}

// Tick runs a dispatch pass on demand, e.g. from a cron trigger.
func (c *FollowupController) Tick(w http.ResponseWriter, r *http.Request) {
    result, err := c.Dispatcher.Tick(r.Context())
    if errors.Is(err, appErrors.ErrTickInProgress) {
        http.Error(w, err.Error(), http.StatusConflict)
        return
    }
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }
    writeJSON(w, http.StatusOK, result)
}

func (c *FollowupController) Enroll(w http.ResponseWriter, r *http.Request) {
    var body struct {
        LeadID      string `json:"lead_id"`
        CampaignID  string `json:"campaign_id"`
        Scope       string `json:"scope"`
        Temperature string `json:"temperature"`
    }
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        http.Error(w, "invalid body", http.StatusBadRequest)
        return
    }
    if body.LeadID == "" || body.Scope == "" {
        http.Error(w, "lead_id and scope are required", http.StatusBadRequest)
        return
    }
    temp, err := model.ParseTemperature(body.Temperature)
    if err != nil {
        http.Error(w, err.Error(), http.StatusBadRequest)
        return
    }

    enrollment, task, err := c.Planner.Enroll(r.Context(), body.LeadID, body.CampaignID, body.Scope, temp)
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }

    writeJSON(w, http.StatusCreated, map[string]interface{}{
        "enrollment": enrollment,
        "task":       task,
    })
}

// ListEnrollments returns the lead's enrollments with their task history.
func (c *FollowupController) ListEnrollments(w http.ResponseWriter, r *http.Request) {
    leadID := chi.URLParam(r, "leadID")

    enrollments, err := c.Enrollments.ListByLead(r.Context(), leadID)
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }

    type item struct {
        *model.Enrollment
        Tasks []*model.ScheduledTask `json:"tasks"`
    }
    items := make([]item, 0, len(enrollments))
    for _, e := range enrollments {
        it := item{Enrollment: e, Tasks: []*model.ScheduledTask{}}
        if c.Tasks != nil {
            tasks, err := c.Tasks.ListByEnrollment(r.Context(), e.ID)
            if err != nil {
                http.Error(w, err.Error(), http.StatusInternalServerError)
                return
            }
            it.Tasks = tasks
        }
        items = append(items, it)
    }

    writeJSON(w, http.StatusOK, map[string]interface{}{
        "lead_id": leadID,
        "data":    items,
    })
}

func (c *FollowupController) ApplySignal(w http.ResponseWriter, r *http.Request) {
    leadID := chi.URLParam(r, "leadID")

    var body struct {
        Signal model.Signal `json:"signal"`
    }
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        http.Error(w, "invalid body", http.StatusBadRequest)
        return
    }

    changed, err := c.Planner.ApplySignal(r.Context(), leadID, body.Signal)
    if errors.Is(err, appErrors.ErrInvalidSignal) {
        http.Error(w, err.Error(), http.StatusBadRequest)
        return
    }
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }

    writeJSON(w, http.StatusOK, map[string]interface{}{
        "lead_id": leadID,
        "signal":  body.Signal,
        "updated": changed,
    })
}

// Profile shows the lead's behavior profile and the send time the planner
// would pick for its active enrollment right now. Nothing is scheduled.
func (c *FollowupController) Profile(w http.ResponseWriter, r *http.Request) {
    leadID := chi.URLParam(r, "leadID")

    enrollments, err := c.Enrollments.ListByLead(r.Context(), leadID)
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }
    target := &model.Enrollment{LeadID: leadID, Temperature: model.TemperatureWarm, Status: model.EnrollmentActive}
    for _, e := range enrollments {
        if e.IsActive() {
            target = e
            break
        }
    }

    profile, prediction, err := c.Planner.Preview(r.Context(), target)
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }

    var latency *string
    if profile.AverageResponseLatency != nil {
        s := profile.AverageResponseLatency.String()
        latency = &s
    }
    writeJSON(w, http.StatusOK, map[string]interface{}{
        "lead_id":                  leadID,
        "enrollment_id":            target.ID,
        "average_response_latency": latency,
        "preferred_hours":          profile.PreferredHours,
        "preferred_days":           weekdayNames(profile.PreferredDays),
        "engagement_score":         profile.EngagementScore,
        "last_active_at":           profile.LastActiveAt,
        "prediction":               prediction,
    })
}

func weekdayNames(days []time.Weekday) []string {
    names := make([]string, len(days))
    for i, d := range days {
        names[i] = d.String()
    }
    return names
}

// Budget exposes a scope's deliverability counters.
func (c *FollowupController) Budget(w http.ResponseWriter, r *http.Request) {
    scope := chi.URLParam(r, "scope")
    if c.Governor == nil {
        http.Error(w, "governor not configured", http.StatusNotFound)
        return
    }
    now := c.now()
    ok, reason := c.Governor.Check(scope, now)
    writeJSON(w, http.StatusOK, map[string]interface{}{
        "scope":    scope,
        "budget":   c.Governor.Snapshot(scope, now),
        "eligible": ok,
        "reason":   reason,
    })
}
