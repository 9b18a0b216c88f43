package router

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"harrier/constants"
	"harrier/jobcenter"
	"harrier/proto"
)

func invalid(err error) error {
	return fmt.Errorf("%w: %w", jobcenter.ErrInvalidRequest, err)
}

func (s *Server) listJobs(c *gin.Context) {
	snapshot, err := binding(c).Status.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"jobs": snapshot.Jobs, "stale": snapshot.Stale, "takenAt": snapshot.TakenAt})
}

func (s *Server) registerJob(c *gin.Context) {
	var body proto.JobConfig
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	if err := binding(c).Jobs.RegisterJob(c.Request.Context(), body); err != nil {
		fail(c, err)
		return
	}
	ok(c, body)
}

func (s *Server) getJob(c *gin.Context) {
	config, err := binding(c).Jobs.GetJob(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, config)
}

func (s *Server) updateJob(c *gin.Context) {
	var body proto.JobConfig
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	name := c.Param("name")
	if body.Name == "" {
		body.Name = name
	}
	if body.Name != name {
		fail(c, invalid(fmt.Errorf("job name %s does not match path %s", body.Name, name)))
		return
	}
	if err := binding(c).Jobs.UpdateJob(c.Request.Context(), body); err != nil {
		fail(c, err)
		return
	}
	ok(c, body)
}

func (s *Server) removeJob(c *gin.Context) {
	if err := binding(c).Jobs.RemoveJob(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) disableJob(c *gin.Context) {
	if err := binding(c).Jobs.DisableJob(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) enableJob(c *gin.Context) {
	if err := binding(c).Jobs.EnableJob(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) reshard(c *gin.Context) {
	jc := binding(c).Jobs
	ctx := c.Request.Context()
	if err := jc.Reshard(ctx, c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	snap, err := jc.Snapshot(ctx, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, snap.Assignment)
}

func (s *Server) shards(c *gin.Context) {
	shards, err := binding(c).Status.Shards(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, shards)
}

func parseItem(c *gin.Context) (int, bool) {
	item, err := strconv.Atoi(c.Param("item"))
	if err != nil || item < 0 {
		fail(c, invalid(fmt.Errorf("invalid shard item %q", c.Param("item"))))
		return 0, false
	}
	return item, true
}

func (s *Server) disableShard(c *gin.Context) {
	item, valid := parseItem(c)
	if !valid {
		return
	}
	if err := binding(c).Jobs.DisableShard(c.Request.Context(), c.Param("name"), item); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) enableShard(c *gin.Context) {
	item, valid := parseItem(c)
	if !valid {
		return
	}
	if err := binding(c).Jobs.EnableShard(c.Request.Context(), c.Param("name"), item); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type reassignRequest struct {
	InstanceID string `json:"instanceId" binding:"required"`
}

func (s *Server) reassign(c *gin.Context) {
	item, valid := parseItem(c)
	if !valid {
		return
	}
	var body reassignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	if err := binding(c).Jobs.Reassign(c.Request.Context(), c.Param("name"), item, body.InstanceID); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) instances(c *gin.Context) {
	instances, err := binding(c).Status.Instances(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, instances)
}

func (s *Server) servers(c *gin.Context) {
	snapshot, err := binding(c).Status.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"servers": snapshot.Servers, "stale": snapshot.Stale, "takenAt": snapshot.TakenAt})
}

func (s *Server) serverJobs(c *gin.Context) {
	jobs, err := binding(c).Status.ServerJobs(c.Request.Context(), c.Param("ip"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, jobs)
}

func (s *Server) coordinators(c *gin.Context) {
	if s.peers == nil {
		ok(c, []interface{}{})
		return
	}
	service, err := s.peers.GetService(c.Request.Context(), constants.COORDINATOR_SERVICE)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, service.Hosts)
}
