package pipeline

import (
	"context"
	"log/slog"
	"strconv"

	"cavitymap/internal/models"
	"cavitymap/pkg/config"
	"cavitymap/pkg/failure"
	"cavitymap/pkg/logging"
	"cavitymap/pkg/naming"
	"cavitymap/pkg/stage"
	"cavitymap/pkg/tools"
)

// Forward runs the five fixed stages that take a subject volume into
// standard space and segment it there:
//
//	resample -> reorient -> skull-strip -> register -> segment
//
// Every stage goes through the stage runner, so a rerun after a failure at
// stage k reuses the published outputs of every stage before k.
type Forward struct {
	cfg    *config.Config
	tb     *tools.Toolbox
	stages *stage.Runner
	log    *slog.Logger
}

// NewForward returns the forward driver.
func NewForward(cfg *config.Config, tb *tools.Toolbox, stages *stage.Runner) *Forward {
	return &Forward{cfg: cfg, tb: tb, stages: stages, log: logging.New("forward")}
}

// Run advances st from the normalized input to the segmentation.
func (f *Forward) Run(ctx context.Context, s *models.SubjectContext, st *State) error {
	build := []func(in string) (stage.Step, error){
		func(in string) (stage.Step, error) { return f.resample(s, in) },
		func(in string) (stage.Step, error) { return f.reorient(s, in) },
		func(in string) (stage.Step, error) { return f.strip(s, in) },
		func(in string) (stage.Step, error) { return f.register(s, in) },
		func(in string) (stage.Step, error) { return f.segment(s, in) },
	}

	for _, b := range build {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, err := b(st.Current().Path)
		if err != nil {
			return err
		}
		art, err := f.stages.Run(ctx, step)
		if err != nil {
			return err
		}
		if err := st.Advance(art); err != nil {
			return failure.InStage(err, step.Name)
		}
		f.log.Debug("advanced", "tag", art.Tag, "path", art.Path)
	}
	return nil
}

func (f *Forward) resample(s *models.SubjectContext, in string) (stage.Step, error) {
	a, err := adapterFor(f.tb, tools.CapResample)
	if err != nil {
		return stage.Step{}, err
	}
	return stage.Step{
		Name:    "resample",
		Tag:     models.TagResampled,
		Adapter: a,
		Invocation: tools.Invocation{
			Op:      tools.OpIsotropic,
			Inputs:  map[string]string{tools.KeyIn: in},
			Outputs: map[string]string{tools.KeyOut: naming.SubjectPath(s, models.TagResampled)},
			Params: map[string]string{
				tools.ParamVoxelSize: strconv.FormatFloat(f.cfg.Processing.IsotropicVoxelSize, 'g', -1, 64),
			},
		},
	}, nil
}

func (f *Forward) reorient(s *models.SubjectContext, in string) (stage.Step, error) {
	a, err := adapterFor(f.tb, tools.CapReorient)
	if err != nil {
		return stage.Step{}, err
	}
	return stage.Step{
		Name:    "reorient",
		Tag:     models.TagReoriented,
		Adapter: a,
		Invocation: tools.Invocation{
			Inputs: map[string]string{tools.KeyIn: in},
			Outputs: map[string]string{
				tools.KeyOut:    naming.SubjectPath(s, models.TagReoriented),
				tools.KeyMatrix: naming.SubjectTransformPath(s, models.TransformReorientation),
			},
		},
	}, nil
}

func (f *Forward) strip(s *models.SubjectContext, in string) (stage.Step, error) {
	a, err := adapterFor(f.tb, tools.CapStripSkull)
	if err != nil {
		return stage.Step{}, err
	}
	return stage.Step{
		Name:    "skull-strip",
		Tag:     models.TagSkullStripped,
		Adapter: a,
		Invocation: tools.Invocation{
			Inputs: map[string]string{tools.KeyIn: in},
			Outputs: map[string]string{
				tools.KeyOut:  naming.SubjectPath(s, models.TagSkullStripped),
				tools.KeyMask: naming.BrainMaskPath(s.BaseName, s.OutputDir),
			},
			Params: map[string]string{tools.ParamPreferGPU: strconv.FormatBool(s.PreferGPU)},
		},
		Optional: []string{tools.KeyMask},
	}, nil
}

func (f *Forward) register(s *models.SubjectContext, in string) (stage.Step, error) {
	a, err := adapterFor(f.tb, tools.CapRegister)
	if err != nil {
		return stage.Step{}, err
	}
	return stage.Step{
		Name:    "register",
		Tag:     models.TagRegistered,
		Adapter: a,
		Invocation: tools.Invocation{
			Op:     tools.OpEstimate,
			Inputs: map[string]string{tools.KeyIn: in, tools.KeyRef: f.cfg.Atlas.Template},
			Outputs: map[string]string{
				tools.KeyOut:    naming.SubjectPath(s, models.TagRegistered),
				tools.KeyMatrix: naming.SubjectTransformPath(s, models.TransformRegistration),
			},
			Params: map[string]string{tools.ParamDOF: strconv.Itoa(f.cfg.Processing.RegistrationDOF)},
		},
	}, nil
}

func (f *Forward) segment(s *models.SubjectContext, in string) (stage.Step, error) {
	a, err := adapterFor(f.tb, tools.CapSegment)
	if err != nil {
		return stage.Step{}, err
	}
	return stage.Step{
		Name:    "segment",
		Tag:     models.TagSegmented,
		Adapter: a,
		Invocation: tools.Invocation{
			Inputs:  map[string]string{tools.KeyIn: in},
			Outputs: map[string]string{tools.KeyOut: naming.SubjectPath(s, models.TagSegmented)},
			Params: map[string]string{
				tools.ParamQuality:   s.Quality.String(),
				tools.ParamPreferGPU: strconv.FormatBool(s.PreferGPU),
				tools.ParamScratch:   s.ScratchDir,
				tools.ParamCase:      s.BaseName,
			},
		},
	}, nil
}

// adapterFor looks up a capability the run cannot do without.
func adapterFor(tb *tools.Toolbox, c tools.Capability) (tools.Adapter, error) {
	a, err := tb.Get(c)
	if err != nil {
		return nil, failure.Wrap(failure.CodeInvalidConfig, err, "toolbox")
	}
	return a, nil
}
