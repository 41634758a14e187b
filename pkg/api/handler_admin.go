package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetCapRequest is the body of PUT /api/v1/budget/cap.
type SetCapRequest struct {
	DailyCapUSD float64 `json:"daily_cap_usd" binding:"required"`
}

// budgetSnapshotHandler handles GET /api/v1/budget.
func (s *Server) budgetSnapshotHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.BudgetSnapshot())
}

// setBudgetCapHandler handles PUT /api/v1/budget/cap.
func (s *Server) setBudgetCapHandler(c *gin.Context) {
	var req SetCapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SetBudgetCap(req.DailyCapUSD); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.BudgetSnapshot())
}

// cacheStatsHandler handles GET /api/v1/cache/stats.
func (s *Server) cacheStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.CacheStats())
}

// archiveLookupHandler handles GET /api/v1/archive/:hash.
func (s *Server) archiveLookupHandler(c *gin.Context) {
	result, err := s.svc.ArchiveLookup(c.Param("hash"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
