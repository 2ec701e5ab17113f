// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LastCheckpointName is the name of the checkpoint saved at every epoch when ModelCheckpoint.SaveLast is set.
const LastCheckpointName = "last"

// ModelCheckpoint saves checkpoints at the end of the validation of every EveryNEpochs epochs (or at the end of
// the training epoch, if there was no validation), keeping the SaveTopK best according to Monitor.
type ModelCheckpoint struct {
	// DirPath where to save the checkpoints. Defaults to <default_root_dir>/checkpoints.
	DirPath string `yaml:"dirpath"`

	// Filename template of the checkpoints, without the ".ckpt" suffix. Fields in braces are replaced by the
	// epoch, the global step or a metric, with an optional format: "epoch_{epoch:03d}", "{val/acc:.4f}".
	Filename string `yaml:"filename"`

	// Monitor is the metric used to rank the checkpoints. If empty, only the most recent checkpoints are kept.
	Monitor string `yaml:"monitor"`

	// Mode is "min" or "max": whether lower or higher values of Monitor are better.
	Mode string `yaml:"mode"`

	// SaveLast also saves every checkpoint as last.ckpt.
	SaveLast bool `yaml:"save_last"`

	// SaveTopK is the number of best checkpoints to keep: -1 keeps all, 0 saves none (except last).
	SaveTopK int `yaml:"save_top_k"`

	// EveryNEpochs is the interval in epochs between checkpoints.
	EveryNEpochs int `yaml:"every_n_epochs"`

	// AutoInsertMetricName prefixes formatted fields with their name, e.g. "epoch=001".
	AutoInsertMetricName bool `yaml:"auto_insert_metric_name"`

	// Verbose logs every checkpoint saved.
	Verbose bool `yaml:"verbose"`

	bestKModels      map[string]float64
	kthBestModelPath string
	bestModelPath    string
	bestModelScore   float64
	lastModelPath    string
}

var _ StatefulCallback = (*ModelCheckpoint)(nil)

// NewModelCheckpoint returns a ModelCheckpoint with the default values: it keeps the most recent checkpoint.
func NewModelCheckpoint() *ModelCheckpoint {
	return &ModelCheckpoint{
		Filename:     "epoch_{epoch:03d}",
		Mode:         "min",
		SaveTopK:     1,
		EveryNEpochs: 1,
	}
}

// Name implements Callback.
func (c *ModelCheckpoint) Name() string { return "ModelCheckpoint" }

// BestModelPath is the path of the best checkpoint saved, or "" if none was saved yet.
func (c *ModelCheckpoint) BestModelPath() string { return c.bestModelPath }

// BestModelScore is the value of the monitored metric for the best checkpoint.
func (c *ModelCheckpoint) BestModelScore() float64 { return c.bestModelScore }

// LastModelPath is the path of the last checkpoint saved.
func (c *ModelCheckpoint) LastModelPath() string { return c.lastModelPath }

// BestKModels returns the paths of the kept checkpoints, and their scores.
func (c *ModelCheckpoint) BestKModels() map[string]float64 {
	out := make(map[string]float64, len(c.bestKModels))
	for path, score := range c.bestKModels {
		out[path] = score
	}
	return out
}

// Validate checks the configuration.
func (c *ModelCheckpoint) Validate() error {
	if c.Mode != "min" && c.Mode != "max" {
		return errors.Errorf("ModelCheckpoint: mode %q is unknown, use \"min\" or \"max\"", c.Mode)
	}
	if c.SaveTopK < -1 {
		return errors.Errorf("ModelCheckpoint: invalid save_top_k=%d, must be >= -1", c.SaveTopK)
	}
	if c.Monitor == "" && c.SaveTopK > 1 {
		return errors.Errorf("ModelCheckpoint: save_top_k=%d requires a monitor, otherwise the checkpoints can't "+
			"be ranked", c.SaveTopK)
	}
	if c.EveryNEpochs < 0 {
		return errors.Errorf("ModelCheckpoint: invalid every_n_epochs=%d, must be >= 0", c.EveryNEpochs)
	}
	if c.Filename == "" {
		return errors.Errorf("ModelCheckpoint: empty filename")
	}
	return nil
}

// Attach implements Callback.
func (c *ModelCheckpoint) Attach(t *Trainer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DirPath == "" {
		c.DirPath = filepath.Join(t.Config().DefaultRootDir, "checkpoints")
	}
	var err error
	c.DirPath, err = fsutil.ReplaceTildeInDir(c.DirPath)
	if err != nil {
		return errors.WithMessagef(err, "ModelCheckpoint: invalid dirpath %q", c.DirPath)
	}
	if c.bestKModels == nil {
		c.bestKModels = make(map[string]float64)
	}
	c.bestModelScore = c.worstScore()

	t.On(EventValidationEnd, c.Name(), PriorityModelCheckpoint, func(t *Trainer) error {
		if t.SanityChecking() || t.Stage() != StageFit {
			return nil
		}
		return c.save(t, true)
	})
	t.On(EventTrainEpochEnd, c.Name(), PriorityModelCheckpoint, func(t *Trainer) error {
		if t.ValidatedThisEpoch() {
			return nil
		}
		return c.save(t, false)
	})
	return nil
}

func (c *ModelCheckpoint) worstScore() float64 {
	if c.Mode == "max" {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// isBetter returns whether a is a better score than b.
func (c *ModelCheckpoint) isBetter(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if c.Mode == "max" {
		return a > b
	}
	return a < b
}

// save is called at the end of an epoch.
func (c *ModelCheckpoint) save(t *Trainer, validated bool) error {
	if t.FastDevRun() > 0 || c.EveryNEpochs == 0 || (t.CurrentEpoch()+1)%c.EveryNEpochs != 0 {
		return nil
	}
	metrics := t.CallbackMetrics()
	var current float64
	if c.Monitor != "" {
		var found bool
		current, found = metrics[c.Monitor]
		if !found {
			if !validated {
				klog.V(1).Infof("ModelCheckpoint: metric %q not available at the end of epoch %d, not saving",
					c.Monitor, t.CurrentEpoch())
				return nil
			}
			return errors.Errorf("ModelCheckpoint(monitor=%q) could not find the monitored key in the logged "+
				"metrics: available metrics are %v", c.Monitor, sortedKeys(metrics))
		}
	}

	var savedPath string
	if c.SaveTopK != 0 && (c.Monitor == "" || c.isTopK(current)) {
		name, err := formatCheckpointName(c.Filename, t.CurrentEpoch(), t.GlobalStep(), metrics,
			c.AutoInsertMetricName)
		if err != nil {
			return err
		}
		savedPath = filepath.Join(c.DirPath, name+CheckpointSuffix)
		if err := c.updateTopK(t, savedPath, current); err != nil {
			return err
		}
	} else if c.Verbose && c.Monitor != "" {
		klog.Infof("Epoch %d, global step %d: %s was not in top %d", t.CurrentEpoch(), t.GlobalStep(),
			c.Monitor, c.SaveTopK)
	}

	if c.SaveLast {
		lastPath := filepath.Join(c.DirPath, LastCheckpointName+CheckpointSuffix)
		if err := t.SaveCheckpoint(lastPath); err != nil {
			return err
		}
		c.lastModelPath = lastPath
	}
	return nil
}

// isTopK returns whether current makes it into the top-k checkpoints.
func (c *ModelCheckpoint) isTopK(current float64) bool {
	if c.SaveTopK == -1 || len(c.bestKModels) < c.SaveTopK {
		return !math.IsNaN(current)
	}
	return c.isBetter(current, c.bestKModels[c.kthBestModelPath])
}

// updateTopK saves the checkpoint at path and removes the ones that fall out of the top-k.
func (c *ModelCheckpoint) updateTopK(t *Trainer, path string, current float64) error {
	if c.Monitor == "" {
		// Keep only the most recent, unless all are kept.
		if c.SaveTopK == 1 {
			for prevPath := range c.bestKModels {
				if prevPath != path {
					if err := removeCheckpoint(prevPath); err != nil {
						return err
					}
				}
			}
			clear(c.bestKModels)
		}
		current = float64(t.CurrentEpoch())
	}
	if err := t.SaveCheckpoint(path); err != nil {
		return err
	}
	c.bestKModels[path] = current
	if c.SaveTopK > 0 && len(c.bestKModels) > c.SaveTopK {
		worst := c.worstPath()
		delete(c.bestKModels, worst)
		if worst != path {
			if err := removeCheckpoint(worst); err != nil {
				return err
			}
		}
	}
	c.kthBestModelPath = c.worstPath()
	if c.Monitor == "" {
		c.bestModelPath = path
		c.bestModelScore = current
	} else {
		c.bestModelPath = c.bestPath()
		c.bestModelScore = c.bestKModels[c.bestModelPath]
	}
	if c.Verbose {
		if c.Monitor != "" {
			klog.Infof("Epoch %d, global step %d: %s reached %g (best %g), saving model to %q", t.CurrentEpoch(),
				t.GlobalStep(), c.Monitor, current, c.bestModelScore, path)
		} else {
			klog.Infof("Epoch %d, global step %d: saving model to %q", t.CurrentEpoch(), t.GlobalStep(), path)
		}
	}
	return nil
}

// sortedModels returns the kept checkpoints from best to worst. Ties are broken by path.
func (c *ModelCheckpoint) sortedModels() []string {
	paths := sortedKeys(c.bestKModels)
	slices.SortStableFunc(paths, func(a, b string) int {
		switch {
		case c.isBetter(c.bestKModels[a], c.bestKModels[b]):
			return -1
		case c.isBetter(c.bestKModels[b], c.bestKModels[a]):
			return 1
		}
		return 0
	})
	return paths
}

func (c *ModelCheckpoint) bestPath() string {
	paths := c.sortedModels()
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func (c *ModelCheckpoint) worstPath() string {
	paths := c.sortedModels()
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

// StateDict implements StatefulCallback.
func (c *ModelCheckpoint) StateDict() map[string]any {
	bestK := make(map[string]any, len(c.bestKModels))
	for path, score := range c.bestKModels {
		bestK[path] = floatToState(score)
	}
	return map[string]any{
		"monitor":             c.Monitor,
		"dirpath":             c.DirPath,
		"best_model_path":     c.bestModelPath,
		"best_model_score":    floatToState(c.bestModelScore),
		"kth_best_model_path": c.kthBestModelPath,
		"last_model_path":     c.lastModelPath,
		"best_k_models":       bestK,
	}
}

// LoadStateDict implements StatefulCallback. The ranking of the checkpoints is only restored if they were saved
// in the same directory and with the same monitor.
func (c *ModelCheckpoint) LoadStateDict(state map[string]any) error {
	monitor, _ := state["monitor"].(string)
	dirPath, _ := state["dirpath"].(string)
	c.lastModelPath, _ = state["last_model_path"].(string)
	if monitor != c.Monitor || filepath.Clean(dirPath) != filepath.Clean(c.DirPath) {
		klog.Warningf("ModelCheckpoint: the checkpoint was saved with monitor=%q in %q, the current one uses "+
			"monitor=%q in %q: not restoring the best checkpoints", monitor, dirPath, c.Monitor, c.DirPath)
		return nil
	}
	c.bestModelPath, _ = state["best_model_path"].(string)
	c.kthBestModelPath, _ = state["kth_best_model_path"].(string)
	var err error
	if c.bestModelScore, err = floatFromState(state, "best_model_score"); err != nil {
		return err
	}
	bestK, _ := state["best_k_models"].(map[string]any)
	c.bestKModels = make(map[string]float64, len(bestK))
	for path := range bestK {
		if c.bestKModels[path], err = floatFromState(bestK, path); err != nil {
			return err
		}
	}
	return nil
}

var filenameFieldRegexp = regexp.MustCompile(`\{([^{}:]+)(?::([^{}]*))?\}`)

// formatCheckpointName fills the fields of the template: "epoch", "step" or the name of a logged metric, with
// an optional format like "03d" or ".4f".
func formatCheckpointName(template string, epoch int, step int64, metrics map[string]float64,
	autoInsertName bool) (string, error) {
	var missing []string
	name := filenameFieldRegexp.ReplaceAllStringFunc(template, func(field string) string {
		groups := filenameFieldRegexp.FindStringSubmatch(field)
		key, format := strings.TrimSpace(groups[1]), groups[2]
		var value any
		switch key {
		case "epoch":
			value = epoch
		case "step":
			value = step
		default:
			metric, found := metrics[key]
			if !found {
				missing = append(missing, key)
				return field
			}
			value = metric
			if strings.HasSuffix(format, "d") {
				value = int64(metric)
			}
		}
		formatted := fmt.Sprint(value)
		if format != "" {
			formatted = fmt.Sprintf("%"+format, value)
		}
		if autoInsertName {
			formatted = key + "=" + formatted
		}
		return formatted
	})
	if len(missing) > 0 {
		return "", errors.Errorf("checkpoint filename template %q uses metrics %v, which were not logged", template,
			missing)
	}
	// Metric names like "val/acc" must not create subdirectories.
	return strings.ReplaceAll(name, string(os.PathSeparator), "_"), nil
}
