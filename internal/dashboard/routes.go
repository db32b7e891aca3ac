package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, gdb *gorm.DB, control Control) {
	api := router.Group("/api")

	api.GET("/builders", handleBuilders(gdb))
	api.GET("/requests", handleRequests(gdb))
	api.GET("/requests/:id", handleRequest(gdb))
	api.GET("/builds", handleBuilds(gdb))
	api.GET("/builds/:id", handleBuild(gdb))
	api.GET("/buildsets/:id", handleBuildset(gdb))
	api.GET("/workers", handleWorkers(gdb))
	api.GET("/events", handleSSE(gdb))

	if control != nil {
		api.POST("/builds/:id/stop", handleStopBuild(control))
		api.POST("/requests/:id/rebuild", handleRebuild(control))
		api.POST("/builders/:name/force", handleForceBuild(control))
	}
}

func handleBuilders(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var builders []models.Builder
		if err := gdb.Order("name ASC").Find(&builders).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, builders)
	}
}

// handleRequests mirrors the claim store's unclaimed query when
// ?unclaimed=1 is set, and lists recent requests otherwise.
func handleRequests(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := gdb.Model(&models.BuildRequest{}).Order("submitted_at DESC").Limit(200)
		if builder := c.Query("builder"); builder != "" {
			q = q.Where("builder_name = ?", builder)
		}
		if c.Query("unclaimed") == "1" {
			claimedSub := gdb.Model(&models.BuildRequestClaim{}).Select("brid")
			q = q.Where("complete = ? AND merge_brid IS NULL", false).
				Where("id NOT IN (?)", claimedSub)
		}

		var reqs []models.BuildRequest
		if err := q.Find(&reqs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, reqs)
	}
}

func handleRequest(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var req models.BuildRequest
		err := gdb.Preload("Buildset").Preload("Buildset.SourceStamps").First(&req, id).Error
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "build request not found"})
			return
		}

		var claim models.BuildRequestClaim
		resp := gin.H{"request": req}
		if err := gdb.Where("brid = ?", id).First(&claim).Error; err == nil {
			resp["claim"] = claim
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleBuilds(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := gdb.Model(&models.Build{}).Order("id DESC").Limit(200)
		if builder := c.Query("builder"); builder != "" {
			q = q.Where("builder_name = ?", builder)
		}
		var builds []models.Build
		if err := q.Find(&builds).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, builds)
	}
}

func handleBuild(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var build models.Build
		if err := gdb.First(&build, id).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
			return
		}
		c.JSON(http.StatusOK, build)
	}
}

func handleBuildset(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var bs models.Buildset
		err := gdb.Preload("SourceStamps").Preload("Requests").First(&bs, id).Error
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "buildset not found"})
			return
		}
		c.JSON(http.StatusOK, bs)
	}
}

func handleWorkers(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var workers []models.Worker
		if err := gdb.Order("name ASC").Find(&workers).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, workers)
	}
}

func handleStopBuild(control Control) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		c.ShouldBindJSON(&body)
		if body.Reason == "" {
			body.Reason = "stopped via API"
		}
		if err := control.StopBuild(c.Request.Context(), id, body.Reason); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": id})
	}
}

func handleRebuild(control Control) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		bsid, err := control.Rebuild(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"buildset": bsid})
	}
}

func handleForceBuild(control Control) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
			Stamps map[string]struct {
				Repository string `json:"repository"`
				Branch     string `json:"branch"`
				Revision   string `json:"revision"`
				Project    string `json:"project"`
			} `json:"sourcestamps"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		stamps := make(models.StampSet, len(body.Stamps))
		for codebase, s := range body.Stamps {
			stamps[codebase] = models.SourceStamp{
				Repository: s.Repository,
				Branch:     s.Branch,
				Revision:   s.Revision,
				Project:    s.Project,
			}
		}
		bsid, err := control.ForceBuild(c.Request.Context(), c.Param("name"), body.Reason, stamps)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"buildset": bsid})
	}
}

// paramID parses the :id path parameter, writing a 400 on failure.
func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
