package referral

import (
	"net/http"

	"eduplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the referral operations. Handlers are glue only:
// bind, call the service, translate the error kind.
func RegisterRoutes(engine *gin.Engine, svc *Service) {
	v1 := engine.Group("/v1/referrals")

	v1.POST("/codes", func(c *gin.Context) {
		var req struct {
			ReferrerID string `json:"referrer_id" binding:"required"`
			CustomCode string `json:"custom_code"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		record, err := svc.Generate(c.Request.Context(), req.ReferrerID, req.CustomCode)
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":         record.ID,
			"code":       record.Code,
			"status":     record.Status,
			"expires_at": record.ExpiresAt,
		})
	})

	v1.POST("/apply", func(c *gin.Context) {
		var req struct {
			Code      string `json:"code" binding:"required"`
			RefereeID string `json:"referee_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		result, err := svc.Apply(c.Request.Context(), req.Code, req.RefereeID)
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"referral_id": result.Referral.ID,
			"status":      result.Referral.Status,
			"group": gin.H{
				"size":       result.Group.Size,
				"applied":    result.Group.Applied,
				"percentage": result.Group.Percentage,
			},
		})
	})

	v1.POST("/purchases", func(c *gin.Context) {
		var req struct {
			BuyerID  string `json:"buyer_id" binding:"required"`
			OrderID  string `json:"order_id" binding:"required"`
			Amount   int64  `json:"amount" binding:"required"`
			Currency string `json:"currency"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": errutil.StatusBadRequest, "message": err.Error()}})
			return
		}

		result, err := svc.ProcessPurchase(c.Request.Context(), req.BuyerID, req.OrderID, req.Amount, req.Currency)
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"outcome":        result.Outcome,
			"referral_id":    result.ReferralID,
			"commission":     result.Commission,
			"first_purchase": result.FirstPurchase,
			"status":         result.Status,
		})
	})

	v1.GET("/stats/:referrer_id", func(c *gin.Context) {
		result, err := svc.Stats(c.Request.Context(), c.Param("referrer_id"))
		if err != nil {
			c.JSON(errutil.ToHTTP(err))
			return
		}

		c.JSON(http.StatusOK, result)
	})
}
