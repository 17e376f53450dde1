// Package siteops is the orchestration layer shared by the control façade
// and the periodic re-expansion scheduler: it derives/validates site_name,
// handles registration and collision detection (spec.md §4.7), drives the
// sitemap expander and feeds discovered URLs into the fetch scheduler and
// the reconciler.
package siteops

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/crawler"
	"github.com/ternarybob/crawler/internal/models"
	"github.com/ternarybob/crawler/internal/reconcile"
	"github.com/ternarybob/crawler/internal/sitemap"
	"github.com/ternarybob/crawler/internal/store"
)

var siteNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrInvalidSiteName is returned when an operator-supplied site_name fails validation.
var ErrInvalidSiteName = fmt.Errorf("site_name must match ^[A-Za-z0-9_]+$")

// Service orchestrates registration and re-expansion.
type Service struct {
	store     *store.Store
	expander  *sitemap.Expander
	scheduler *crawler.Scheduler
	recon     *reconcile.Reconciler
	logger    arbor.ILogger
}

// New returns a Service.
func New(st *store.Store, expander *sitemap.Expander, sched *crawler.Scheduler, recon *reconcile.Reconciler, logger arbor.ILogger) *Service {
	return &Service{store: st, expander: expander, scheduler: sched, recon: recon, logger: logger}
}

// Registration is the outcome of a register call.
type Registration struct {
	SiteName      string
	AlreadyExists bool
	Conflict      bool
}

// DeriveSiteName turns a URL host into a site_name by replacing dots with
// underscores, per spec.md §3.
func DeriveSiteName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	host := strings.ToLower(u.Hostname())
	return strings.ReplaceAll(host, ".", "_"), nil
}

// Register registers (or idempotently re-confirms) a site and kicks off
// sitemap expansion in the background. originalURL is the seed; siteName,
// if non-empty, overrides the host-derived name and must match
// ^[A-Za-z0-9_]+$.
func (s *Service) Register(ctx context.Context, originalURL, filter, siteName string) (Registration, error) {
	if originalURL == "" {
		return Registration{}, fmt.Errorf("url is required")
	}
	if _, isTestURL, warnings, err := common.ValidateBaseURL(originalURL, s.logger); err != nil {
		return Registration{}, fmt.Errorf("validating url: %w", err)
	} else if isTestURL {
		s.logger.Warn().Str("url", originalURL).Strs("warnings", warnings).Msg("registering a test/loopback url")
	}

	name := siteName
	if name == "" {
		derived, err := DeriveSiteName(originalURL)
		if err != nil {
			return Registration{}, err
		}
		name = derived
	} else if !siteNamePattern.MatchString(name) {
		return Registration{}, ErrInvalidSiteName
	}

	existing, err := s.store.ReadStatus(name)
	if err != nil {
		return Registration{}, fmt.Errorf("checking existing registration: %w", err)
	}
	if existing.OriginalURL != "" {
		if existing.OriginalURL != originalURL {
			return Registration{SiteName: name, Conflict: true}, nil
		}
		return Registration{SiteName: name, AlreadyExists: true}, nil
	}

	status := models.NewStatus(originalURL, filter)
	status.Processing = true
	if err := s.store.WriteStatus(name, status); err != nil {
		return Registration{}, fmt.Errorf("writing initial status: %w", err)
	}

	s.scheduler.RegisterSite(name)

	go s.expand(context.Background(), name, originalURL, filter)

	return Registration{SiteName: name}, nil
}

// ReExpand re-runs sitemap discovery for an already-registered site (the
// cron-driven path, spec.md §4.9), reconciling any URLs that dropped off.
func (s *Service) ReExpand(ctx context.Context, site string) {
	status, err := s.store.ReadStatus(site)
	if err != nil || status == nil || status.OriginalURL == "" {
		s.logger.Warn().Str("site", site).Msg("re-expand: site has no status, skipping")
		return
	}
	s.expand(ctx, site, status.OriginalURL, status.Filter)
}

func (s *Service) expand(ctx context.Context, site, originalURL, filter string) {
	s.store.MutateStatus(site, func(st *models.Status) { st.Processing = true })

	walkErr := func() error {
		frontier, err := s.expander.Resolve(ctx, originalURL)
		if err != nil {
			return err
		}
		return s.expander.Walk(ctx, frontier, filter, func(_ string, pageURLs []string) {
			added, err := s.store.MergeURLList(site, pageURLs)
			if err != nil {
				s.logger.Warn().Err(err).Str("site", site).Msg("failed to merge discovered urls")
				return
			}
			s.scheduler.EnqueueURLs(site, added)

			total, err := s.store.ReadURLList(site)
			if err != nil {
				s.logger.Warn().Err(err).Str("site", site).Msg("failed to re-read url list after merge")
				return
			}
			s.store.MutateStatus(site, func(st *models.Status) {
				st.TotalURLs = len(total)
			})
		})
	}()

	if walkErr != nil {
		s.logger.Warn().Err(walkErr).Str("site", site).Msg("sitemap expansion failed, unblocking fetch stage anyway")
		s.store.MutateStatus(site, func(st *models.Status) {
			st.LastError = walkErr.Error()
		})
	}

	s.store.MutateStatus(site, func(st *models.Status) {
		st.Processing = false
		st.SitemapProcessed = true
	})
	s.scheduler.SetSitemapProcessed(site, true)

	if current, err := s.store.ReadURLList(site); err == nil {
		if recErr := s.recon.ReconcileSite(ctx, site, current); recErr != nil {
			s.logger.Warn().Err(recErr).Str("site", site).Msg("reconciliation after re-expansion failed")
		}
	}
}
