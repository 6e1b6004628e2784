package policy

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"rl-trading-bot/internal/envsim"
	"rl-trading-bot/internal/nn"
)

var convKernels = []int{3, 5, 7, 14}

const convChannels = 64

// transformerExtractor embeds the W x F temporal window through a multi-scale
// CNN front end and a transformer encoder, pools it at several horizons, and
// concatenates a projection of the 7 portfolio scalars. Output width is
// 4*d_model: 3*d_model of pooled temporal context plus d_model of portfolio
// state.
type transformerExtractor struct {
	window      int
	numFeatures int
	dModel      int

	convs   []*nn.Conv1D
	bns     []*nn.BatchNorm1D
	relus   []*nn.ReLU
	merge   *nn.Linear // concat channels -> concat channels
	mergeLN *nn.LayerNorm
	toModel *nn.Linear // concat channels -> d_model, nil when equal

	posEnc *nn.PositionalEncoding
	peDrop *nn.Dropout
	blocks []*nn.EncoderBlock

	regime *nn.Linear // d_model -> 4 market regimes, auxiliary

	poolProj *nn.Linear // 3*d_model -> 3*d_model
	poolLN   *nn.LayerNorm
	poolReLU *nn.ReLU

	portfolio *nn.Linear // 7 -> d_model

	poolKs      [3]int
	batch       int
	regimeProbs *mat.Dense
}

func newTransformerExtractor(cfg AgentConfig, arch Arch, rng *rand.Rand) *transformerExtractor {
	w, f, d := arch.Window, arch.NumFeatures, cfg.DModel
	concat := convChannels * len(convKernels)

	e := &transformerExtractor{
		window:      w,
		numFeatures: f,
		dModel:      d,
		merge:       nn.NewLinear(concat, concat, rng),
		mergeLN:     nn.NewLayerNorm(concat),
		posEnc:      nn.NewPositionalEncoding(w, d),
		peDrop:      nn.NewDropout(cfg.Dropout, rng),
		regime:      nn.NewLinear(d, 4, rng),
		poolProj:    nn.NewLinear(3*d, 3*d, rng),
		poolLN:      nn.NewLayerNorm(3 * d),
		poolReLU:    nn.NewReLU(),
		portfolio:   nn.NewLinear(envsim.PortfolioFeatureCount, d, rng),
	}
	for _, k := range convKernels {
		e.convs = append(e.convs, nn.NewConv1D(k, w, f, convChannels, rng))
		e.bns = append(e.bns, nn.NewBatchNorm1D(convChannels))
		e.relus = append(e.relus, nn.NewReLU())
	}
	if concat != d {
		e.toModel = nn.NewLinear(concat, d, rng)
	}
	for i := 0; i < cfg.NumLayers; i++ {
		e.blocks = append(e.blocks, nn.NewEncoderBlock(d, cfg.NumHeads, cfg.FFDim, w, cfg.Dropout, rng))
	}
	e.poolKs = [3]int{min(5, w), min(20, w), w}
	return e
}

func (e *transformerExtractor) outDim() int { return 4 * e.dModel }

// RegimeProbs returns the last forward pass's market-regime distribution,
// rows (batch, 4) over {trend, range, volatile, crash}.
func (e *transformerExtractor) RegimeProbs() *mat.Dense { return e.regimeProbs }

func (e *transformerExtractor) Forward(x *mat.Dense, train bool) *mat.Dense {
	batch, _ := x.Dims()
	e.batch = batch
	w, f, d := e.window, e.numFeatures, e.dModel

	// Reshape the temporal slice of each observation to stacked (W, F) rows.
	seq := mat.NewDense(batch*w, f, nil)
	for b := 0; b < batch; b++ {
		for t := 0; t < w; t++ {
			for j := 0; j < f; j++ {
				seq.Set(b*w+t, j, x.At(b, t*f+j))
			}
		}
	}

	// Multi-scale CNN branches, concatenated along channels.
	concat := convChannels * len(convKernels)
	conv := mat.NewDense(batch*w, concat, nil)
	for i := range e.convs {
		branch := e.relus[i].Forward(e.bns[i].Forward(e.convs[i].Forward(seq, train), train), train)
		lo := i * convChannels
		conv.Slice(0, batch*w, lo, lo+convChannels).(*mat.Dense).Copy(branch)
	}

	h := e.mergeLN.Forward(e.merge.Forward(conv, train), train)
	if e.toModel != nil {
		h = e.toModel.Forward(h, train)
	}
	h = e.peDrop.Forward(e.posEnc.Forward(h, train), train)
	for _, blk := range e.blocks {
		h = blk.Forward(h, train)
	}

	// Auxiliary regime head over the last timestep; not fed to the heads.
	last := mat.NewDense(batch, d, nil)
	for b := 0; b < batch; b++ {
		for j := 0; j < d; j++ {
			last.Set(b, j, h.At(b*w+w-1, j))
		}
	}
	e.regimeProbs = nn.SoftmaxRows(e.regime.Forward(last, false))

	// Multi-horizon pooling.
	pooled := mat.NewDense(batch, 3*d, nil)
	for i, k := range e.poolKs {
		p := nn.MeanPoolLast(h, w, k)
		pooled.Slice(0, batch, i*d, (i+1)*d).(*mat.Dense).Copy(p)
	}
	temporal := e.poolReLU.Forward(e.poolLN.Forward(e.poolProj.Forward(pooled, train), train), train)

	// Portfolio scalar projection.
	port := mat.NewDense(batch, envsim.PortfolioFeatureCount, nil)
	base := w * f
	for b := 0; b < batch; b++ {
		for j := 0; j < envsim.PortfolioFeatureCount; j++ {
			port.Set(b, j, x.At(b, base+j))
		}
	}
	portOut := e.portfolio.Forward(port, train)

	out := mat.NewDense(batch, 4*d, nil)
	out.Slice(0, batch, 0, 3*d).(*mat.Dense).Copy(temporal)
	out.Slice(0, batch, 3*d, 4*d).(*mat.Dense).Copy(portOut)
	return out
}

func (e *transformerExtractor) Backward(grad *mat.Dense) *mat.Dense {
	batch := e.batch
	w, d := e.window, e.dModel

	e.portfolio.Backward(mat.DenseCopyOf(grad.Slice(0, batch, 3*d, 4*d)))

	dTemporal := mat.DenseCopyOf(grad.Slice(0, batch, 0, 3*d))
	dPooled := e.poolProj.Backward(e.poolLN.Backward(e.poolReLU.Backward(dTemporal)))

	dh := mat.NewDense(batch*w, d, nil)
	for i, k := range e.poolKs {
		part := mat.DenseCopyOf(dPooled.Slice(0, batch, i*d, (i+1)*d))
		dh.Add(dh, nn.MeanPoolLastBackward(part, w, k))
	}

	for i := len(e.blocks) - 1; i >= 0; i-- {
		dh = e.blocks[i].Backward(dh)
	}
	dh = e.posEnc.Backward(e.peDrop.Backward(dh))
	if e.toModel != nil {
		dh = e.toModel.Backward(dh)
	}
	dConv := e.merge.Backward(e.mergeLN.Backward(dh))

	for i := range e.convs {
		lo := i * convChannels
		branch := mat.DenseCopyOf(dConv.Slice(0, batch*w, lo, lo+convChannels))
		e.convs[i].Backward(e.bns[i].Backward(e.relus[i].Backward(branch)))
	}

	// Observations are leaves; no input gradient is propagated.
	return nil
}

func (e *transformerExtractor) Params() []*mat.Dense {
	var out []*mat.Dense
	for i := range e.convs {
		out = append(out, e.convs[i].Params()...)
		out = append(out, e.bns[i].Params()...)
	}
	out = append(out, e.merge.Params()...)
	out = append(out, e.mergeLN.Params()...)
	if e.toModel != nil {
		out = append(out, e.toModel.Params()...)
	}
	for _, blk := range e.blocks {
		out = append(out, blk.Params()...)
	}
	out = append(out, e.regime.Params()...)
	out = append(out, e.poolProj.Params()...)
	out = append(out, e.poolLN.Params()...)
	out = append(out, e.portfolio.Params()...)
	return out
}

func (e *transformerExtractor) Grads() []*mat.Dense {
	var out []*mat.Dense
	for i := range e.convs {
		out = append(out, e.convs[i].Grads()...)
		out = append(out, e.bns[i].Grads()...)
	}
	out = append(out, e.merge.Grads()...)
	out = append(out, e.mergeLN.Grads()...)
	if e.toModel != nil {
		out = append(out, e.toModel.Grads()...)
	}
	for _, blk := range e.blocks {
		out = append(out, blk.Grads()...)
	}
	out = append(out, e.regime.Grads()...)
	out = append(out, e.poolProj.Grads()...)
	out = append(out, e.poolLN.Grads()...)
	out = append(out, e.portfolio.Grads()...)
	return out
}

func (e *transformerExtractor) runningStats() []*mat.Dense {
	var out []*mat.Dense
	for _, bn := range e.bns {
		out = append(out, bn.RunningMean, bn.RunningVar)
	}
	return out
}
