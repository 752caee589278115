package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ffqueue/intake"
	"ffqueue/task"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	queue   *task.Controller
	board   *Board
	builder *intake.Builder
	log     logrus.FieldLogger
}

func NewHandler(queue *task.Controller, board *Board, builder *intake.Builder, log logrus.FieldLogger) *Handler {
	return &Handler{
		queue:   queue,
		board:   board,
		builder: builder,
		log:     log,
	}
}

type TaskRequest struct {
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination"`
	OutputExt   string `json:"outputExt"`
	Options     string `json:"options"`
	Start       bool   `json:"start"`
}

type BatchRequest struct {
	Paths     []string `json:"paths" binding:"required"`
	OutputDir string   `json:"outputDir"`
	OutputExt string   `json:"outputExt"`
	Options   string   `json:"options"`
	Start     bool     `json:"start"`
}

type RemoveRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1"`
}

type QueueState struct {
	Busy    bool       `json:"busy"`
	Empty   bool       `json:"empty"`
	Count   int        `json:"count"`
	Current *task.Task `json:"current,omitempty"`
	Index   *int       `json:"currentIndex,omitempty"`
}

// handleAddTask probes and queues a single source.
func (h *Handler) handleAddTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	builder, err := h.builder.Override("", req.OutputExt, req.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid options", "details": err.Error()})
		return
	}

	var params task.Parameters
	if req.Destination != "" {
		params = task.NewParameters(req.Source, req.Destination, builder.Options)
	} else {
		built, err := builder.Build([]string{req.Source})
		if err != nil || len(built) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid source", "details": errorText(err)})
			return
		}
		params = built[0]
	}

	t, err := h.queue.AddTask(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Task not added", "details": err.Error()})
		return
	}
	if req.Start {
		h.queue.Start()
	}

	c.JSON(http.StatusCreated, t)
}

// handleAddBatch queues every usable path, like dropping files on the list.
func (h *Handler) handleAddBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	builder, err := h.builder.Override(req.OutputDir, req.OutputExt, req.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid options", "details": err.Error()})
		return
	}

	rejected := []gin.H{}
	params, err := builder.Build(req.Paths)
	if err != nil {
		for _, e := range unjoin(err) {
			rejected = append(rejected, gin.H{"error": e.Error()})
		}
	}

	added := []task.Task{}
	for _, p := range params {
		t, err := h.queue.AddTask(c.Request.Context(), p)
		if err != nil {
			rejected = append(rejected, gin.H{"source": p.Source, "error": err.Error()})
			continue
		}
		added = append(added, t)
	}
	if req.Start && len(added) > 0 {
		h.queue.Start()
	}

	h.log.WithFields(logrus.Fields{"added": len(added), "rejected": len(rejected)}).Info("Batch intake processed")
	c.JSON(http.StatusOK, gin.H{"added": added, "rejected": rejected})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Tasks())
}

func (h *Handler) handleListRows(c *gin.Context) {
	c.JSON(http.StatusOK, h.board.Rows())
}

// handleRemoveTask removes by position; positions shift after every removal.
func (h *Handler) handleRemoveTask(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Index must be an integer"})
		return
	}

	err = h.queue.RemoveTask(index)
	switch {
	case errors.Is(err, task.ErrIndexOutOfRange):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Task removed"})
	}
}

// handleRemoveTasks removes several tasks by id, like deleting a selection of rows.
func (h *Handler) handleRemoveTasks(c *gin.Context) {
	var req RemoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := h.queue.RemoveTasks(req.IDs...)
	rejected := []gin.H{}
	if err != nil {
		for _, e := range unjoin(err) {
			rejected = append(rejected, gin.H{"error": e.Error()})
		}
	}
	if removed == nil {
		removed = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "rejected": rejected})
}

func (h *Handler) handleStart(c *gin.Context) {
	h.queue.Start()
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) handleStop(c *gin.Context) {
	h.queue.Stop()
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) handleQueueState(c *gin.Context) {
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) state() QueueState {
	s := QueueState{
		Busy:  h.queue.IsBusy(),
		Count: h.queue.Count(),
	}
	s.Empty = s.Count == 0
	if t, index, ok := h.queue.Current(); ok {
		s.Current = &t
		s.Index = &index
	}
	return s
}

// handleEvents streams queue events as server-sent events.
func (h *Handler) handleEvents(c *gin.Context) {
	events, unsubscribe := h.board.Subscribe()
	defer unsubscribe()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func errorText(err error) string {
	if err == nil {
		return "no usable source"
	}
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
