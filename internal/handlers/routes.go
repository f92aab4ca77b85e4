package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/thw/backend/internal/services"
)

// RegisterContentRoutes mounts the content endpoints on api. Write routes go
// through uploadLimit.
func RegisterContentRoutes(api *gin.RouterGroup, content *services.ContentService, maxMemory int64, uploadLimit gin.HandlerFunc, log *slog.Logger) error {
	handler := func(kind string) (*ContentHandler, error) {
		return NewContentHandler(content, kind, maxMemory, log)
	}

	about, err := handler(services.KindAbout)
	if err != nil {
		return err
	}
	dashboard, err := handler(services.KindDashboard)
	if err != nil {
		return err
	}
	footer, err := handler(services.KindFooter)
	if err != nil {
		return err
	}
	attractions, err := handler(services.KindAttraction)
	if err != nil {
		return err
	}
	guideline, err := handler(services.KindGuideline)
	if err != nil {
		return err
	}
	contact, err := handler(services.KindContact)
	if err != nil {
		return err
	}

	aboutGroup := api.Group("/about")
	{
		aboutGroup.GET("/details", about.GetSingleton)
		aboutGroup.POST("/post-details", uploadLimit, about.Create)
		aboutGroup.PUT("/details", uploadLimit, about.Save)
		aboutGroup.PUT("/detail/:id", uploadLimit, about.UpdateSingleton)
	}

	dashboardGroup := api.Group("/dashboard")
	{
		dashboardGroup.GET("/get-details", dashboard.GetSingleton)
		dashboardGroup.POST("/new-details", dashboard.Create)
		dashboardGroup.PUT("/details", dashboard.Save)
		dashboardGroup.PUT("/edit-details/:id", dashboard.UpdateSingleton)
	}

	footerGroup := api.Group("/footer")
	{
		footerGroup.GET("/footers", footer.GetSingleton)
		footerGroup.POST("/add-footer", footer.Create)
		footerGroup.PUT("/footer/:id", footer.UpdateSingleton)
	}

	attractionsGroup := api.Group("/attractions")
	{
		attractionsGroup.GET("/get-attractions", attractions.List)
		attractionsGroup.GET("/attractions/:id", attractions.Get)
		attractionsGroup.POST("/attractions", uploadLimit, attractions.Create)
		attractionsGroup.PUT("/attractions/:id", uploadLimit, attractions.Update)
		attractionsGroup.DELETE("/attractions/:id", attractions.Delete)
	}

	guidelineGroup := api.Group("/guideline")
	{
		guidelineGroup.GET("/guidelines", guideline.List)
		guidelineGroup.POST("/post-guideline", guideline.Create)
		guidelineGroup.PUT("/guideline/:id", guideline.Update)
		guidelineGroup.DELETE("/guideline/:id", guideline.Delete)
	}

	contactGroup := api.Group("/contact")
	{
		contactGroup.GET("/get-contact", contact.List)
		contactGroup.POST("/post-contact", contact.Create)
	}
	return nil
}
