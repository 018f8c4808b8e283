package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
)

// Report is the final status of a deployed container, rendered for the
// operator.
type Report struct {
	Name   string
	Image  string
	Status string
	Ports  []PortBinding
}

// Render formats the report as a docker-ps style table.
func (r *Report) Render() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 3, ' ', 0)

	fmt.Fprintln(w, "NAME\tIMAGE\tSTATUS\tPORTS")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Image, r.Status, formatPorts(r.Ports))
	w.Flush()

	return b.String()
}

func formatPorts(ports []PortBinding) string {
	if len(ports) == 0 {
		return "-"
	}

	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		hostIP := p.HostIP
		if hostIP == "" {
			hostIP = "0.0.0.0"
		}
		if p.HostPort != 0 {
			parts = append(parts, fmt.Sprintf("%s:%d->%d/%s", hostIP, p.HostPort, p.ContainerPort, p.Protocol))
		} else {
			parts = append(parts, fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol))
		}
	}
	sort.Strings(parts)

	return strings.Join(parts, ", ")
}

// CheatSheet returns the operator guidance printed after a successful
// deployment. Informational only.
func CheatSheet(containerName string) string {
	return fmt.Sprintf(`Useful commands:
  docker logs -f %[1]s     follow application logs
  docker stop %[1]s        stop the container
  docker start %[1]s       start a stopped container
  docker restart %[1]s     restart the container
  docker rm -f %[1]s       remove the container (volumes are kept)
  shipit status            show this status again
  shipit history           show past deployments`, containerName)
}
