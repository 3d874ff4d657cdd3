package cloud

import (
	"context"
	"net/http"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// bulkConcurrency caps the requests a bulk call has in flight.
const bulkConcurrency = 10

type gcp struct {
	computeService *compute.Service
	project        string
	template       InstanceTemplate
}

func NewGCP(ctx context.Context, ts oauth2.TokenSource, project string, template InstanceTemplate, opts ...option.ClientOption) (Provider, error) {
	if ts == nil {
		return nil, &TokenError{Err: errors.New("gcp credentials missing")}
	}

	opts = append([]option.ClientOption{option.WithTokenSource(failingTokenSource{src: ts})}, opts...)
	computeService, err := compute.NewService(ctx, opts...)

	if err != nil {
		return nil, errors.Wrap(err, "gcp compute service")
	}

	return &gcp{computeService: computeService, project: project, template: template}, nil
}

// GCPFactory returns a Factory creating GCE providers sharing template.
func GCPFactory(template InstanceTemplate, opts ...option.ClientOption) Factory {
	return func(ctx context.Context, ts oauth2.TokenSource, project string) (Provider, error) {
		return NewGCP(ctx, ts, project, template, opts...)
	}
}

func (g *gcp) Instances(ctx context.Context, filter string, maxResults int64) ([]*Instance, error) {
	resp, err := g.computeService.Instances.List(g.project, g.template.Zone).
		Filter(filter).
		MaxResults(maxResults).
		Context(ctx).
		Do()

	if err != nil {
		return nil, classify(err, "gcp instances list")
	}

	if resp.HTTPStatusCode != http.StatusOK {
		return nil, errors.Errorf("gcp instances list bad http status code: %d", resp.HTTPStatusCode)
	}

	instances := make([]*Instance, len(resp.Items))

	for i, instance := range resp.Items {
		instances[i] = &Instance{
			Name:   instance.Name,
			Status: instance.Status,
		}
	}

	return instances, nil
}

func (g *gcp) BulkInsert(ctx context.Context, instances []*Instance) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(bulkConcurrency)

	for _, instance := range instances {
		instance := instance
		group.Go(func() error {
			resp, err := g.computeService.Instances.Insert(g.project, g.template.Zone, g.computeInstance(instance.Name)).Context(ctx).Do()

			if err != nil {
				return classify(err, "gcp insert instance "+instance.Name)
			}

			if resp.HTTPStatusCode != http.StatusOK {
				return errors.Errorf("gcp insert instance %s bad http status code: %d", instance.Name, resp.HTTPStatusCode)
			}

			return nil
		})
	}

	return group.Wait()
}

func (g *gcp) BulkDelete(ctx context.Context, instances []*Instance) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(bulkConcurrency)

	for _, instance := range instances {
		instance := instance
		group.Go(func() error {
			resp, err := g.computeService.Instances.Delete(g.project, g.template.Zone, instance.Name).Context(ctx).Do()

			if err != nil {
				return classify(err, "gcp delete instance "+instance.Name)
			}

			if resp.HTTPStatusCode != http.StatusOK {
				return errors.Errorf("gcp delete instance %s bad http status code: %d", instance.Name, resp.HTTPStatusCode)
			}

			return nil
		})
	}

	return group.Wait()
}

func (g *gcp) computeInstance(name string) *compute.Instance {
	prefix := "projects/" + g.project
	t := g.template

	instance := &compute.Instance{
		Name:        name,
		MachineType: prefix + "/zones/" + t.Zone + "/machineTypes/" + t.MachineType,
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				DeviceName: name,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: t.Image,
					DiskSizeGb:  t.DiskSizeGb,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: prefix + "/global/networks/" + t.Network,
				AccessConfigs: []*compute.AccessConfig{
					{
						Name: "External NAT",
						Type: "ONE_TO_ONE_NAT",
					},
				},
			},
		},
		ServiceAccounts: []*compute.ServiceAccount{
			{
				Email:  "default",
				Scopes: []string{compute.DevstorageReadOnlyScope},
			},
		},
	}

	if len(t.Tags) > 0 {
		instance.Tags = &compute.Tags{Items: t.Tags}
	}

	if len(t.Metadata) > 0 {
		keys := make([]string, 0, len(t.Metadata))
		for key := range t.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		items := make([]*compute.MetadataItems, len(keys))
		for i, key := range keys {
			items[i] = &compute.MetadataItems{Key: key, Value: googleapi.String(t.Metadata[key])}
		}

		instance.Metadata = &compute.Metadata{Items: items}
	}

	return instance
}

// classify wraps err, turning rejected or unrefreshable credentials into a
// TokenError.
func classify(err error, message string) error {
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		return &TokenError{Err: errors.Wrap(err, message)}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return &TokenError{Err: errors.Wrap(err, message)}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &TokenError{Err: errors.Wrap(err, message)}
	}

	return errors.Wrap(err, message)
}
