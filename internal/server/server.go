package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tontine/internal/audit"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"github.com/smallbiznis/tontine/internal/authorization"
	"github.com/smallbiznis/tontine/internal/cloudmetrics"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/contribution"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	"github.com/smallbiznis/tontine/internal/cycle"
	cycledomain "github.com/smallbiznis/tontine/internal/cycle/domain"
	"github.com/smallbiznis/tontine/internal/events"
	"github.com/smallbiznis/tontine/internal/fee"
	"github.com/smallbiznis/tontine/internal/group"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	"github.com/smallbiznis/tontine/internal/ledger"
	"github.com/smallbiznis/tontine/internal/observability"
	obsmiddleware "github.com/smallbiznis/tontine/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tontine/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tontine/internal/observability/tracing"
	"github.com/smallbiznis/tontine/internal/operator"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
	"github.com/smallbiznis/tontine/internal/partner"
	partnerdomain "github.com/smallbiznis/tontine/internal/partner/domain"
	"github.com/smallbiznis/tontine/internal/payout"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/providers/pdf"
	"github.com/smallbiznis/tontine/internal/rail"
	"github.com/smallbiznis/tontine/internal/ratelimit"
	"github.com/smallbiznis/tontine/internal/rates"
	"github.com/smallbiznis/tontine/internal/receipt"
	"github.com/smallbiznis/tontine/internal/session"
	sessiondomain "github.com/smallbiznis/tontine/internal/session/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	cloudmetrics.Module,
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	events.Module,
	session.Module,
	operator.Module,
	group.Module,
	contribution.Module,
	cycle.Module,
	payout.Module,
	fee.Module,
	ledger.Module,
	partner.Module,
	rates.Module,
	rail.Module,
	pdf.Module,
	receipt.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	groupSvc        groupdomain.Service
	sessionSvc      sessiondomain.Service
	contributionSvc contributiondomain.Service
	cycleSvc        cycledomain.Service
	payoutSvc       payoutdomain.Service
	partnerSvc      partnerdomain.Service
	operatorSvc     operatordomain.Service
	receiptSvc      receipt.Service
	ratesSvc        rates.Service
	obsMetrics      *obsmetrics.Metrics
	intakeLimiter   *ratelimit.IntakeLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	GroupSvc        groupdomain.Service
	SessionSvc      sessiondomain.Service
	ContributionSvc contributiondomain.Service
	CycleSvc        cycledomain.Service
	PayoutSvc       payoutdomain.Service
	PartnerSvc      partnerdomain.Service
	OperatorSvc     operatordomain.Service
	ReceiptSvc      receipt.Service
	RatesSvc        rates.Service              `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
	IntakeLimiter   *ratelimit.IntakeLimiter   `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		groupSvc:        p.GroupSvc,
		sessionSvc:      p.SessionSvc,
		contributionSvc: p.ContributionSvc,
		cycleSvc:        p.CycleSvc,
		payoutSvc:       p.PayoutSvc,
		partnerSvc:      p.PartnerSvc,
		operatorSvc:     p.OperatorSvc,
		receiptSvc:      p.ReceiptSvc,
		ratesSvc:        p.RatesSvc,
		obsMetrics:      p.ObsMetrics,
		intakeLimiter:   p.IntakeLimiter,
	}

	svc.registerPublicRoutes()
	svc.registerMemberRoutes()
	svc.registerOperatorRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerPublicRoutes wires the unauthenticated surface: webhook intake,
// login and group bootstrap. Group create and join cannot require a session
// because the member record does not exist yet.
func (s *Server) registerPublicRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/rail/confirmations", s.RailWebhookRequired(), s.HandleRailConfirmation)
	v1.POST("/sessions", s.SessionRateLimit(), s.CreateSession)
	v1.POST("/groups", s.CreateGroup)
	v1.POST("/groups/join", s.JoinGroup)
}

func (s *Server) registerMemberRoutes() {
	v1 := s.engine.Group("/v1", s.SessionRequired())

	v1.DELETE("/sessions/current", s.RevokeCurrentSession)

	groups := v1.Group("/groups")
	groups.GET("/:id", s.authorizeGroupAction(authorization.ObjectGroup, authorization.ActionGroupView), s.GetGroup)
	groups.GET("/:id/status", s.authorizeGroupAction(authorization.ObjectGroup, authorization.ActionGroupView), s.GetGroupStatus)
	groups.POST("/:id/activate", s.RequireScope(sessiondomain.ScopeGroupManage), s.authorizeGroupAction(authorization.ObjectGroup, authorization.ActionGroupActivate), s.ActivateGroup)
	groups.POST("/:id/close", s.RequireScope(sessiondomain.ScopeGroupManage), s.authorizeGroupAction(authorization.ObjectGroup, authorization.ActionGroupClose), s.CloseGroup)
	groups.GET("/:id/members", s.authorizeGroupAction(authorization.ObjectMember, authorization.ActionMemberView), s.ListGroupMembers)
	groups.PATCH("/:id/members/:member_id", s.RequireScope(sessiondomain.ScopeGroupManage), s.authorizeGroupAction(authorization.ObjectMember, authorization.ActionMemberUpdate), s.UpdateGroupMember)
	groups.DELETE("/:id/members/:member_id", s.RequireScope(sessiondomain.ScopeGroupManage), s.authorizeGroupAction(authorization.ObjectMember, authorization.ActionMemberDepart), s.DepartGroupMember)
	groups.GET("/:id/cycles", s.authorizeGroupAction(authorization.ObjectCycle, authorization.ActionCycleView), s.ListGroupCycles)
	groups.GET("/:id/cycles/:number", s.authorizeGroupAction(authorization.ObjectCycle, authorization.ActionCycleView), s.GetGroupCycle)
	groups.GET("/:id/contributions", s.authorizeGroupAction(authorization.ObjectContribution, authorization.ActionContributionView), s.ListGroupContributions)
	groups.GET("/:id/payouts", s.authorizeGroupAction(authorization.ObjectPayout, authorization.ActionPayoutView), s.ListGroupPayouts)

	contributions := v1.Group("/contributions", s.RequireScope(sessiondomain.ScopeContributionWrite))
	contributions.POST("", s.IntakeRateLimit(), s.SubmitContribution)
	contributions.POST("/initiate", s.InitiateContribution)

	payouts := v1.Group("/payouts")
	payouts.GET("/:id", s.GetPayout)
	payouts.GET("/:id/receipt", s.DownloadPayoutReceipt)
}

func (s *Server) registerOperatorRoutes() {
	op := s.engine.Group("/v1/operator", s.OperatorKeyRequired())

	op.GET("/groups", s.authorizePlatformAction(authorization.ObjectGroup, authorization.ActionGroupView), s.ListOperatorGroups)
	op.GET("/payouts", s.authorizePlatformAction(authorization.ObjectPayout, authorization.ActionPayoutView), s.ListOperatorPayouts)
	op.POST("/payouts/:id/retry", s.authorizePlatformAction(authorization.ObjectPayout, authorization.ActionPayoutRetry), s.RetryOperatorPayout)
	op.GET("/settlements", s.authorizePlatformAction(authorization.ObjectPartner, authorization.ActionPartnerView), s.ListOperatorSettlements)
	op.POST("/settlements/rollup", s.authorizePlatformAction(authorization.ObjectPartner, authorization.ActionPartnerRollup), s.RollupOperatorSettlements)
	op.POST("/settlements/:id/settle", s.authorizePlatformAction(authorization.ObjectPartner, authorization.ActionPartnerRollup), s.SettleOperatorSettlement)
	op.GET("/audit", s.authorizePlatformAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListOperatorAuditLogs)
	op.POST("/cycles/sweep", s.authorizePlatformAction(authorization.ObjectCycle, authorization.ActionCycleSweep), s.SweepOperatorCycles)
	op.GET("/rates", s.authorizePlatformAction(authorization.ObjectRates, authorization.ActionRatesView), s.GetOperatorRates)
	op.POST("/rates/refresh", s.authorizePlatformAction(authorization.ObjectRates, authorization.ActionRatesRefresh), s.RefreshOperatorRates)

	// Key management is open to any active operator key; rotation and
	// revocation are how staff keys get replaced at all.
	keys := op.Group("/keys")
	keys.GET("", s.ListOperatorKeys)
	keys.POST("", s.CreateOperatorKey)
	keys.POST("/:key_id/rotate", s.RotateOperatorKey)
	keys.POST("/:key_id/revoke", s.RevokeOperatorKey)
}
