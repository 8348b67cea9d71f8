package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/ruvnet/roomsync/internal/crdt"
	apierrors "github.com/ruvnet/roomsync/internal/errors"
)

var validate = validator.New()

// RegisterRoutes mounts the admin HTTP surface over host on router.
func RegisterRoutes(router gin.IRouter, host *Host) {
	router.GET("/healthz", handleHealthz)

	rooms := router.Group("/rooms")
	rooms.POST("", handleCreateRoom(host))
	rooms.GET("/:id", handleGetRoom(host))
	rooms.DELETE("/:id", handleDestroyRoom(host))
	rooms.POST("/:id/kick", handleKick(host))
	rooms.POST("/:id/storage", handleUpdateStorage(host))
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRoomRequest struct {
	InitialStorage map[string]interface{} `json:"initialStorage"`
	Size           int                    `json:"size"`
}

func handleCreateRoom(host *Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			writeError(c, apierrors.New(apierrors.BadRequest, err.Error()))
			return
		}

		roomID, state, err := host.CreateRoom(c.Request.Context(), req.InitialStorage, req.Size)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": roomID, "state": state})
	}
}

func handleGetRoom(host *Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := host.GetRoomStorage(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "state": state})
	}
}

func handleDestroyRoom(host *Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := host.DestroyRoom(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type kickRequest struct {
	ClientID string `json:"clientId" validate:"required"`
	Reason   string `json:"reason"`
}

func handleKick(host *Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req kickRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apierrors.New(apierrors.BadRequest, err.Error()))
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(c, apierrors.New(apierrors.BadRequest, err.Error()))
			return
		}
		if err := host.Kick(req.ClientID, req.Reason); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type updateStorageRequest struct {
	Key         string      `json:"key" validate:"required"`
	OpType      string      `json:"opType" validate:"required"`
	Value       interface{} `json:"value"`
	UpdateValue interface{} `json:"updateValue"`
}

func handleUpdateStorage(host *Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStorageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apierrors.New(apierrors.BadRequest, err.Error()))
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(c, apierrors.New(apierrors.BadRequest, err.Error()))
			return
		}

		opType, err := parseOpType(req.OpType)
		if err != nil {
			writeError(c, apierrors.New(apierrors.BadRequest, err.Error()))
			return
		}

		if err := host.UpdateRoomStorage(c.Request.Context(), c.Param("id"), req.Key, opType, req.Value, req.UpdateValue); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func parseOpType(s string) (crdt.OpType, error) {
	switch s {
	case "set":
		return crdt.OpSet, nil
	case "array-add":
		return crdt.OpArrayAdd, nil
	case "array-add-unique":
		return crdt.OpArrayAddUnique, nil
	case "array-remove-matching":
		return crdt.OpArrayRemoveMatching, nil
	case "array-update-matching":
		return crdt.OpArrayUpdateMatching, nil
	default:
		return 0, apierrors.Newf(apierrors.BadRequest, "unknown opType %q", s)
	}
}

func writeError(c *gin.Context, err error) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		apiErr = apierrors.New(apierrors.InternalError, err.Error())
	}
	c.JSON(apiErr.HTTPStatus(), apiErr)
}
