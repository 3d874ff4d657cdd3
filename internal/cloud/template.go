package cloud

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// InstanceTemplate holds what every inserted instance shares. Only the name
// differs between instances of a cluster.
type InstanceTemplate struct {
	Zone        string            `yaml:"zone"`
	MachineType string            `yaml:"machineType"`
	Image       string            `yaml:"image"`
	Network     string            `yaml:"network"`
	DiskSizeGb  int64             `yaml:"diskSizeGb"`
	Tags        []string          `yaml:"tags"`
	Metadata    map[string]string `yaml:"metadata"`
}

func DefaultTemplate() InstanceTemplate {
	return InstanceTemplate{
		Zone:        "us-central1-a",
		MachineType: "n1-standard-1",
		Image:       "projects/debian-cloud/global/images/family/debian-12",
		Network:     "default",
		DiskSizeGb:  10,
	}
}

// LoadTemplate reads a YAML template from path. Fields left out keep the
// default value.
func LoadTemplate(path string) (InstanceTemplate, error) {
	tmpl := DefaultTemplate()

	data, err := ioutil.ReadFile(path)

	if err != nil {
		return tmpl, errors.Wrap(err, "read instance template")
	}

	if err = yaml.Unmarshal(data, &tmpl); err != nil {
		return tmpl, errors.Wrapf(err, "parse instance template '%s'", path)
	}

	return tmpl, nil
}
