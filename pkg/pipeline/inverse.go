package pipeline

import (
	"context"
	"log/slog"

	"cavitymap/internal/models"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/naming"
	"cavitymap/pkg/stage"
	"cavitymap/pkg/tools"
)

// Inverse carries the standard-space segmentation back onto the grid of the
// original input. The matrices it undoes are found through the naming
// scheme, never handed over by the forward driver. There is no fallback:
// a missing or singular matrix ends the run.
type Inverse struct {
	tb     *tools.Toolbox
	stages *stage.Runner
	log    *slog.Logger
}

// NewInverse returns the inverse transform resolver.
func NewInverse(tb *tools.Toolbox, stages *stage.Runner) *Inverse {
	return &Inverse{tb: tb, stages: stages, log: logging.New("inverse")}
}

// undo describes one forward transform to reverse.
type undo struct {
	invert    string
	apply     string
	matrix    models.TransformTag
	inverse   models.TransformTag
	reference models.StageTag
	result    models.StageTag
}

var undoChain = []undo{
	{
		invert:    "invert-registration",
		apply:     "map-to-subject",
		matrix:    models.TransformRegistration,
		inverse:   models.TransformRegistrationInverse,
		reference: models.TagReoriented,
		result:    models.TagSubjectSpaceMask,
	},
	{
		invert:    "invert-reorientation",
		apply:     "map-to-original-orientation",
		matrix:    models.TransformReorientation,
		inverse:   models.TransformReorientationInverse,
		reference: models.TagResampled,
		result:    models.TagOriginalOrientationMask,
	},
}

// Run takes st from the segmentation to the final mask on original's grid.
func (iv *Inverse) Run(ctx context.Context, s *models.SubjectContext, st *State, original string) error {
	register, err := adapterFor(iv.tb, tools.CapRegister)
	if err != nil {
		return err
	}
	invert, err := adapterFor(iv.tb, tools.CapInvertTransform)
	if err != nil {
		return err
	}

	for _, u := range undoChain {
		if err := ctx.Err(); err != nil {
			return err
		}
		mat := naming.SubjectTransformPath(s, u.matrix)
		if err := stage.Validate(mat); err != nil {
			return iv.stages.Fail(u.invert, u.result,
				failure.Wrap(failure.CodeMissingTransformArtifact, err, "%s matrix", u.matrix))
		}

		inverse := naming.SubjectTransformPath(s, u.inverse)
		if _, err := iv.stages.Run(ctx, stage.Step{
			Name:    u.invert,
			Adapter: invert,
			Invocation: tools.Invocation{
				Inputs:  map[string]string{tools.KeyMatrix: mat},
				Outputs: map[string]string{tools.KeyMatrix: inverse},
			},
			Primary: tools.KeyMatrix,
		}); err != nil {
			return err
		}

		art, err := iv.stages.Run(ctx, stage.Step{
			Name:    u.apply,
			Tag:     u.result,
			Adapter: register,
			Invocation: tools.Invocation{
				Op: tools.OpApply,
				Inputs: map[string]string{
					tools.KeyIn:     st.Current().Path,
					tools.KeyRef:    naming.SubjectPath(s, u.reference),
					tools.KeyMatrix: inverse,
				},
				Outputs: map[string]string{tools.KeyOut: naming.SubjectPath(s, u.result)},
			},
		})
		if err != nil {
			return err
		}
		if err := st.Advance(art); err != nil {
			return failure.InStage(err, u.apply)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	final, err := iv.matchGrid(ctx, s, st.Current().Path, original)
	if err != nil {
		return err
	}
	if err := st.Advance(final); err != nil {
		return failure.InStage(err, "match-grid")
	}
	iv.log.Info("mask mapped to input grid", "path", final.Path)
	return nil
}

// matchGrid resamples the mask onto the original grid and stamps the
// original geometry on it before publishing, so a published final mask
// always carries the input's header.
func (iv *Inverse) matchGrid(ctx context.Context, s *models.SubjectContext, in, original string) (models.Artifact, error) {
	resample, err := adapterFor(iv.tb, tools.CapResample)
	if err != nil {
		return models.Artifact{}, err
	}
	geometry, err := adapterFor(iv.tb, tools.CapCopyGeometry)
	if err != nil {
		return models.Artifact{}, err
	}

	fn := func(ctx context.Context, inv tools.Invocation) error {
		out := inv.Outputs[tools.KeyOut]
		if err := resample.Invoke(ctx, tools.Invocation{
			Op:      tools.OpMatchGrid,
			Inputs:  inv.Inputs,
			Outputs: map[string]string{tools.KeyOut: out},
		}); err != nil {
			return err
		}
		return geometry.Invoke(ctx, tools.Invocation{
			Inputs:  map[string]string{tools.KeyIn: out, tools.KeyRef: inv.Inputs[tools.KeyRef]},
			Outputs: map[string]string{tools.KeyOut: out},
		})
	}

	return iv.stages.Run(ctx, stage.Step{
		Name:    "match-grid",
		Tag:     models.TagFinalMask,
		Adapter: tools.Func{Cap: tools.CapResample, Fn: fn},
		Invocation: tools.Invocation{
			Inputs:  map[string]string{tools.KeyIn: in, tools.KeyRef: original},
			Outputs: map[string]string{tools.KeyOut: naming.SubjectPath(s, models.TagFinalMask)},
		},
	})
}
