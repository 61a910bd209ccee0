package group

import (
	"net/http"

	"eduplane/pkg/db/pagination"
	"eduplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(engine *gin.Engine, svc *Service) {
	v1 := engine.Group("/v1/groups")

	v1.POST("/:group_id/enrollments", func(c *gin.Context) {
		var req EnrollBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}
		req.GroupID = c.Param("group_id")

		result, err := svc.EnrollBatch(c.Request.Context(), &req)
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, result)
	})

	v1.GET("/:group_id/enrollments", func(c *gin.Context) {
		var p pagination.Pagination
		if err := c.ShouldBindQuery(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		page, err := svc.ListEnrollments(c.Request.Context(), c.Param("group_id"), p)
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, page)
	})

	v1.GET("/:group_id/discount", func(c *gin.Context) {
		result, err := svc.CalculateDiscount(c.Request.Context(), c.Param("group_id"))
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, result)
	})

	v1.POST("/:group_id/members", func(c *gin.Context) {
		var req struct {
			UserID string     `json:"user_id" binding:"required"`
			Role   MemberRole `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		member, err := svc.AddMember(c.Request.Context(), c.Param("group_id"), req.UserID, req.Role)
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":        member.ID,
			"group_id":  member.GroupID,
			"user_id":   member.UserID,
			"role":      member.Role,
			"status":    member.Status,
			"joined_at": member.JoinedAt,
		})
	})

	v1.DELETE("/:group_id/members/:user_id", func(c *gin.Context) {
		if err := svc.RemoveMember(c.Request.Context(), c.Param("group_id"), c.Param("user_id")); err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}
		c.Status(http.StatusNoContent)
	})
}
