package controllers

import (
	"context"
	"errors"
	"net/http"

	"reconciler-service/models"
	"reconciler-service/repository"
	"reconciler-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ReconcileRunner is the audit job behind the operator endpoints.
type ReconcileRunner interface {
	Run(ctx context.Context) (*models.ReconciliationRun, error)
	State() string
}

// AdminController exposes the operator surface: trigger a reconciliation run
// and inspect run history and job state.
type AdminController struct {
	reconciler ReconcileRunner
	runs       repository.RunRepository
	logger     *zap.Logger
}

func NewAdminController(reconciler ReconcileRunner, runs repository.RunRepository, logger *zap.Logger) *AdminController {
	return &AdminController{reconciler: reconciler, runs: runs, logger: logger}
}

// TriggerReconcile handles POST /admin/reconcile. The run executes inline so
// the caller gets the summary back; a concurrent run yields 409.
func (ac *AdminController) TriggerReconcile(ctx *gin.Context) {
	run, err := ac.reconciler.Run(ctx.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrRunInProgress) {
			ctx.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress", "state": ac.reconciler.State()})
			return
		}
		ac.logger.Error("Manual reconciliation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	ctx.JSON(http.StatusOK, run)
}

// LatestRun handles GET /admin/runs/latest.
func (ac *AdminController) LatestRun(ctx *gin.Context) {
	run, err := ac.runs.Latest(ctx.Request.Context())
	if err != nil {
		ac.logger.Error("Failed to load latest run", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if run == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no runs recorded yet"})
		return
	}
	ctx.JSON(http.StatusOK, run)
}

// Status handles GET /admin/status.
func (ac *AdminController) Status(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"state": ac.reconciler.State()})
}
