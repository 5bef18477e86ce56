package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/censys/scan-browser/pkg/storage"
)

// Form fields.
const (
	fieldIPAddress = "ipAddress"
	fieldTor       = "tor"
	fieldPort      = "port"
	fieldRecordIP  = "ip_addr"
)

type indexPageData struct {
	TemplateData
	Hosts []storage.HostSummary
}

// searchPageData backs both search pages. Searched distinguishes "no results"
// from "no search yet".
type searchPageData struct {
	TemplateData
	IPAddress string
	Tor       bool
	Port      string
	Searched  bool
	Results   []storage.HostSummary
	Error     string
}

type messagePageData struct {
	TemplateData
	IPAddress string
	Message   string
	Success   bool
}

func isPost(c *gin.Context) bool {
	return c.Request.Method == http.MethodPost
}

func (s *Server) indexPage(c *gin.Context) {
	hosts, err := s.scanner.AllSummary(c.Request.Context())
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not load the scan summary", err)
		return
	}
	if hosts == nil {
		hosts = []storage.HostSummary{}
	}

	s.render(c, http.StatusOK, "index.html", indexPageData{
		TemplateData: s.baseData("Scan summary"),
		Hosts:        hosts,
	})
}

func (s *Server) createDatabasePage(c *gin.Context) {
	if isPost(c) {
		if err := s.scanner.CreateDatabase(c.Request.Context()); err != nil {
			s.renderError(c, http.StatusInternalServerError, "Could not create the scan database", err)
			return
		}
		s.log.Info("scan database created")
		c.Redirect(http.StatusSeeOther, pathIndex)
		return
	}
	s.render(c, http.StatusOK, "create_db.html", s.baseData("Create database"))
}

func (s *Server) deleteDatabasePage(c *gin.Context) {
	if isPost(c) {
		if err := s.scanner.DropDatabase(c.Request.Context()); err != nil {
			s.renderError(c, http.StatusInternalServerError, "Could not drop the scan database", err)
			return
		}
		s.log.Warn("scan database dropped")
		c.Redirect(http.StatusSeeOther, pathIndex)
		return
	}
	s.render(c, http.StatusOK, "delete_db.html", s.baseData("Delete database"))
}

func (s *Server) ipSearchPage(c *gin.Context) {
	data := searchPageData{TemplateData: s.baseData("Search by IP address")}
	if !isPost(c) {
		s.render(c, http.StatusOK, "ip_search.html", data)
		return
	}

	data.IPAddress = strings.TrimSpace(c.PostForm(fieldIPAddress))
	filter := storage.NewFilter()
	if err := filter.AddIP(data.IPAddress); err != nil {
		data.Error = fmt.Sprintf("'%s' is not a valid IP address", data.IPAddress)
		s.render(c, http.StatusBadRequest, "ip_search.html", data)
		return
	}

	s.search(c, "ip_search.html", filter, data)
}

func (s *Server) filterSearchPage(c *gin.Context) {
	data := searchPageData{TemplateData: s.baseData("Search by filters")}
	if !isPost(c) {
		s.render(c, http.StatusOK, "filter_search.html", data)
		return
	}

	data.Tor = c.PostForm(fieldTor) == "on"
	data.Port = strings.TrimSpace(c.PostForm(fieldPort))
	data.IPAddress = strings.TrimSpace(c.PostForm(fieldIPAddress))

	filter, err := buildFilter(data.Tor, data.Port, data.IPAddress)
	if err != nil {
		data.Error = err.Error()
		s.render(c, http.StatusBadRequest, "filter_search.html", data)
		return
	}

	s.search(c, "filter_search.html", filter, data)
}

// buildFilter applies the optional filter-search fields. Empty port or
// address fields add no constraint.
func buildFilter(tor bool, port, ip string) (*storage.Filter, error) {
	filter := storage.NewFilter()
	filter.SetOnionRouting(tor)

	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not a valid port", port)
		}
		if err := filter.AddPort(n); err != nil {
			return nil, fmt.Errorf("'%s' is not a valid port", port)
		}
	}

	if ip != "" {
		if err := filter.AddIP(ip); err != nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", ip)
		}
	}

	return filter, nil
}

func (s *Server) search(c *gin.Context, page string, filter *storage.Filter, data searchPageData) {
	results, err := s.scanner.FilteredSummary(c.Request.Context(), filter)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Search failed", err)
		return
	}
	data.Searched = true
	data.Results = results
	s.render(c, http.StatusOK, page, data)
}

// deleteRecord backs the per-row delete buttons of the filter search results.
func (s *Server) deleteRecord(c *gin.Context) {
	ip := strings.TrimSpace(c.PostForm(fieldRecordIP))
	if ip == "" {
		c.String(http.StatusBadRequest, "missing %s", fieldRecordIP)
		return
	}

	deleted, err := s.scanner.DeleteHost(c.Request.Context(), ip)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not delete the record", err)
		return
	}
	if !deleted {
		s.log.WithField("ip", ip).Warn("delete_record: no such host")
	}
	c.Redirect(http.StatusSeeOther, pathFilterSearch)
}

func (s *Server) clearTablesPage(c *gin.Context) {
	data := messagePageData{TemplateData: s.baseData("Clear tables")}
	if !isPost(c) {
		s.render(c, http.StatusOK, "clear_tables.html", data)
		return
	}

	if err := s.scanner.ClearTables(c.Request.Context()); err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not clear the scan tables", err)
		return
	}
	s.log.Warn("scan tables cleared")
	data.Success = true
	data.Message = "All scan records were deleted"
	s.render(c, http.StatusOK, "clear_tables.html", data)
}

func (s *Server) clearIPPage(c *gin.Context) {
	data := messagePageData{TemplateData: s.baseData("Clear IP address")}
	if !isPost(c) {
		s.render(c, http.StatusOK, "clear_ip.html", data)
		return
	}

	data.IPAddress = strings.TrimSpace(c.PostForm(fieldIPAddress))
	deleted, err := s.deleteHost(c, data.IPAddress)
	if err != nil {
		s.log.WithError(err).WithField("ip", data.IPAddress).Error("clear_ip failed")
	}

	data.Success = deleted
	if deleted {
		data.Message = fmt.Sprintf("Successfully deleted '%s'", data.IPAddress)
	} else {
		data.Message = fmt.Sprintf("An error occurred while deleting '%s'", data.IPAddress)
	}
	s.render(c, http.StatusOK, "clear_ip.html", data)
}

var errEmptyIP = errors.New("empty ip address")

func (s *Server) deleteHost(c *gin.Context, ip string) (bool, error) {
	if ip == "" {
		return false, errEmptyIP
	}
	return s.scanner.DeleteHost(c.Request.Context(), ip)
}
