package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/voxlab/scribed/pkg/config"
	"github.com/voxlab/scribed/pkg/format"
	"github.com/voxlab/scribed/pkg/jobs"
	"github.com/voxlab/scribed/pkg/models"
)

// mediaExtensions are the upload types accepted for transcription.
// Video containers are allowed; their audio track is extracted.
var mediaExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true,
	".ogg": true, ".aac": true, ".wma": true, ".opus": true,
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true,
	".webm": true, ".flv": true, ".wmv": true, ".mpeg": true,
}

var artifactContentTypes = map[string]string{
	format.TXT:  "text/plain; charset=utf-8",
	format.SRT:  "application/x-subrip",
	format.VTT:  "text/vtt",
	format.JSON: "application/json",
	format.TSV:  "text/tab-separated-values",
}

func (app *App) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), app.requestLogger())
	r.MaxMultipartMemory = 32 << 20

	r.POST("/transcribe", app.handleTranscribe)
	r.GET("/status/:job_id", app.handleStatus)
	r.GET("/tasks", app.handleListTasks)
	r.GET("/result/:job_id", app.handleResult)
	r.DELETE("/task/:job_id", app.handleDeleteTask)
	r.POST("/task/:job_id/cancel", app.handleCancelTask)
	r.GET("/events/:job_id", app.handleEvents)

	r.GET("/health", app.handleHealth)
	r.GET("/models", app.handleModels)
	r.GET("/formats", app.handleFormats)
	r.GET("/languages", app.handleLanguages)

	return r
}

func (app *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		app.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// handleTranscribe accepts a media upload and queues it. Every
// validation failure happens before a job record exists, so rejected
// submissions leave no trace.
func (app *App) handleTranscribe(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !mediaExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type: " + ext})
		return
	}
	if maxBytes := app.config.Server.MaxUploadSizeMB << 20; header.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "file exceeds upload limit",
			"limit": strconv.FormatInt(app.config.Server.MaxUploadSizeMB, 10) + " MB",
		})
		return
	}

	opts := models.Options{
		Model:        c.DefaultPostForm("model", app.config.Engine.DefaultModel),
		Language:     c.DefaultPostForm("language", app.config.Engine.DefaultLanguage),
		OutputFormat: c.DefaultPostForm("output_format", app.config.Engine.DefaultFormat),
		Diarize:      c.PostForm("diarize") == "true",
	}
	var bad bool
	opts.MinSpeakers, bad = formInt(c, "min_speakers")
	if bad {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min_speakers must be an integer"})
		return
	}
	opts.MaxSpeakers, bad = formInt(c, "max_speakers")
	if bad {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_speakers must be an integer"})
		return
	}

	switch {
	case !config.ValidModel(opts.Model):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model: " + opts.Model})
		return
	case !config.ValidLanguage(opts.Language):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported language: " + opts.Language})
		return
	case !format.Supported(opts.OutputFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported output format: " + opts.OutputFormat})
		return
	}
	if err := opts.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dst := filepath.Join(app.config.Server.UploadDir, uuid.NewString()+ext)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		app.log.Error().Err(err).Msg("saving upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	job := app.registry.Create(header.Filename, dst, opts)
	if err := app.queue.Enqueue(job.ID); err != nil {
		app.log.Warn().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		snap, terr := app.registry.Transition(job.ID, models.StateFailed, func(j *models.Job) {
			j.Error = "queue unavailable"
			j.Message = "Error: queue unavailable"
		})
		if terr == nil {
			app.hub.Publish(snap)
		}
		os.Remove(dst)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue is full, try again later"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (app *App) handleStatus(c *gin.Context) {
	job, err := app.registry.Get(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (app *App) handleListTasks(c *gin.Context) {
	list := app.registry.List()
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	c.JSON(http.StatusOK, gin.H{"tasks": list, "total": len(list)})
}

func (app *App) handleResult(c *gin.Context) {
	job, err := app.registry.Get(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if job.State != models.StateCompleted || job.Result == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job has no result",
			"status": job.State,
		})
		return
	}

	data, err := app.artifacts.Read(job.Result.ArtifactRef)
	if err != nil {
		app.log.Error().Err(err).Str("job_id", job.ID).Msg("reading artifact")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "result artifact unavailable"})
		return
	}

	base := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	contentType := artifactContentTypes[job.Result.Format]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", `attachment; filename="`+base+"."+job.Result.Format+`"`)
	c.Data(http.StatusOK, contentType, data)
}

func (app *App) handleDeleteTask(c *gin.Context) {
	id := c.Param("job_id")
	if err := app.registry.Delete(id); err != nil {
		switch {
		case isNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "job is still running; cancel it first"})
		}
		return
	}
	app.hub.Drop(id)
	if err := app.history.Delete(id); err != nil {
		app.log.Warn().Err(err).Str("job_id", id).Msg("history delete failed")
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (app *App) handleCancelTask(c *gin.Context) {
	id := c.Param("job_id")
	if err := app.registry.RequestCancel(id); err != nil {
		switch {
		case isNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "job already finished"})
		}
		return
	}
	// Acknowledged, not yet effective; the worker flips the state at its
	// next checkpoint.
	c.JSON(http.StatusAccepted, gin.H{"cancelling": id})
}

// handleEvents streams job snapshots over SSE until the job reaches a
// terminal state or the client goes away. Pings keep idle proxies from
// dropping the connection.
func (app *App) handleEvents(c *gin.Context) {
	id := c.Param("job_id")

	// Subscribe before reading the initial snapshot: a snapshot
	// published in between is then buffered instead of missed. The
	// duplicate delivery is harmless; progress stays non-decreasing.
	sub := app.hub.Subscribe(id)
	defer sub.Close()

	job, err := app.registry.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("snapshot", job)
	c.Writer.Flush()
	if job.State.Terminal() {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return !snap.State.Terminal()
		case <-ping.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-clientGone:
			return false
		}
	})
}

func (app *App) handleHealth(c *gin.Context) {
	active := 0
	for _, job := range app.registry.List() {
		if !job.State.Terminal() {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_jobs": active,
		"queue":       app.config.Queue.Type,
	})
}

func (app *App) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  config.AvailableModels,
		"default": app.config.Engine.DefaultModel,
	})
}

func (app *App) handleFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"formats": format.All,
		"default": app.config.Engine.DefaultFormat,
	})
}

func (app *App) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"languages": config.SupportedLanguages,
		"default":   app.config.Engine.DefaultLanguage,
	})
}

func formInt(c *gin.Context, field string) (value int, bad bool) {
	raw := c.PostForm(field)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, true
	}
	return n, false
}

func isNotFound(err error) bool {
	return errors.Is(err, jobs.ErrNotFound)
}
