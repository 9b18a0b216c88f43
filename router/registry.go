package router

import (
	"github.com/gin-gonic/gin"

	"harrier/proto"
)

func (s *Server) registryCenters(api *gin.RouterGroup) {
	api.GET("", s.listCenters)
	api.POST("", s.addCenter)
	api.DELETE("", s.deleteCenter)
	api.POST("/connect", s.connect)
	api.POST("/disconnect", s.disconnect)
}

type centerName struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) listCenters(c *gin.Context) {
	ok(c, s.manager.List())
}

func (s *Server) addCenter(c *gin.Context) {
	var body proto.RegistryCenterConfig
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	if err := s.manager.Add(body); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) deleteCenter(c *gin.Context) {
	var body centerName
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	if err := s.manager.Delete(body.Name); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) connect(c *gin.Context) {
	var body centerName
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, invalid(err))
		return
	}
	session, err := s.manager.Connect(c.Request.Context(), body.Name)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"name": session.Name(), "namespace": session.Namespace()})
}

func (s *Server) disconnect(c *gin.Context) {
	if err := s.manager.Disconnect(); err != nil {
		fail(c, err)
		return
	}
	s.Bind(nil)
	ok(c, nil)
}
