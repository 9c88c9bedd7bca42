package registry

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/jx-codes/lootbox/internal/brokerr"
)

// manifest is the optional leading-comment declaration a namespace
// source file may carry:
//
//	// lootbox:namespace name="kv" min_broker_version=">=0.1.0"
//	// lootbox:functions set,get,delete
//
// Both lines are optional. When the name line is absent, the namespace
// name is the file's stem. When the functions line is absent, the
// namespace is loaded with an empty catalog, and it stays empty: workers
// do not report their functions to the registry.
type manifest struct {
	name              string
	minBrokerVersion  string
	functions         []string
}

var (
	namespaceLineRE = regexp.MustCompile(`^//\s*lootbox:namespace\s+name="([a-zA-Z_][a-zA-Z0-9_]*)"(?:\s+min_broker_version="([^"]+)")?`)
	functionsLineRE = regexp.MustCompile(`^//\s*lootbox:functions\s+(.+)$`)
)

// parseManifest reads at most the first few lines of a source file
// looking for the manifest comments. A missing manifest is not an
// error — it simply means stem-as-name with no declared functions.
func parseManifest(path string) (manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest{}, brokerr.Wrapf(err, "opening %q to read manifest", path)
	}
	defer f.Close()

	var m manifest
	scanner := bufio.NewScanner(f)
	for lines := 0; scanner.Scan() && lines < 10; lines++ {
		line := strings.TrimSpace(scanner.Text())
		if match := namespaceLineRE.FindStringSubmatch(line); match != nil {
			m.name = match[1]
			m.minBrokerVersion = match[2]
			continue
		}
		if match := functionsLineRE.FindStringSubmatch(line); match != nil {
			for _, fn := range strings.Split(match[1], ",") {
				fn = strings.TrimSpace(fn)
				if fn != "" {
					m.functions = append(m.functions, fn)
				}
			}
		}
	}
	return m, scanner.Err()
}

// checkCompatible validates a manifest's min_broker_version constraint,
// if declared, against the running broker version.
func checkCompatible(m manifest, brokerVersion string) error {
	if m.minBrokerVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(m.minBrokerVersion)
	if err != nil {
		return brokerr.Wrapf(err, "invalid min_broker_version constraint %q", m.minBrokerVersion)
	}
	v, err := semver.NewVersion(brokerVersion)
	if err != nil {
		return brokerr.Wrapf(err, "invalid broker version %q", brokerVersion)
	}
	if !constraint.Check(v) {
		return brokerr.Newf("namespace requires broker %s, running %s", m.minBrokerVersion, brokerVersion)
	}
	return nil
}
