package router

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"harrier/jobcenter"
	"harrier/proto"
)

type instanceOperation struct {
	run func(jc *jobcenter.JobCenter, ctx context.Context, t proto.Target) error
	// states the instance reaches once the operation took effect
	awaits []proto.InstanceState
}

var instanceOperations = map[string]instanceOperation{
	"trigger":  {run: (*jobcenter.JobCenter).Trigger},
	"pause":    {run: (*jobcenter.JobCenter).Pause, awaits: []proto.InstanceState{proto.InstancePaused}},
	"resume":   {run: (*jobcenter.JobCenter).Resume, awaits: []proto.InstanceState{proto.InstanceReady, proto.InstanceRunning}},
	"shutdown": {run: (*jobcenter.JobCenter).Shutdown, awaits: []proto.InstanceState{proto.InstanceShutdown}},
	"remove":   {run: (*jobcenter.JobCenter).Remove},
	"disable":  {run: (*jobcenter.JobCenter).Disable, awaits: []proto.InstanceState{proto.InstanceDisabled}},
	"enable": {run: (*jobcenter.JobCenter).Enable, awaits: []proto.InstanceState{
		proto.InstanceReady, proto.InstanceRunning, proto.InstancePaused,
	}},
}

// instanceOp serves POST /api/job/:op. With ?wait=<duration> and a single
// named instance the call returns once the instance shows the new state.
func (s *Server) instanceOp(c *gin.Context) {
	op, found := instanceOperations[c.Param("op")]
	if !found {
		fail(c, invalid(fmt.Errorf("unknown operation %q", c.Param("op"))))
		return
	}
	var target proto.Target
	if err := c.ShouldBindJSON(&target); err != nil {
		fail(c, invalid(err))
		return
	}

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			fail(c, invalid(fmt.Errorf("invalid wait %q", raw)))
			return
		}
		wait = d
		if wait > s.MaxWait {
			wait = s.MaxWait
		}
	}

	jc := binding(c).Jobs
	ctx := c.Request.Context()
	if err := op.run(jc, ctx, target); err != nil {
		fail(c, err)
		return
	}
	if wait == 0 || len(op.awaits) == 0 || target.JobName == "" || target.InstanceID == "" {
		ok(c, nil)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	state, err := jc.Await(waitCtx, target.JobName, target.InstanceID, op.awaits...)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"state": state})
}
