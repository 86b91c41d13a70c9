package txlgo

import (
	"math"
	"sync"
)

// Kernels used by the reference model. Activations are laid out (B, T, C):
// B rows of the batch, T positions of the window, C channels.

// embedForward looks up the token embedding of every position and adds the
// row's memory summary (C values per row, may be nil).
func embedForward(out []float32, inp []int32, wte, memSummary []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		var summary []float32
		if memSummary != nil {
			summary = memSummary[b*C : (b+1)*C]
		}
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C : b*T*C+(t+1)*C]
			row := wte[int(inp[b*T+t])*C:]
			for i := 0; i < C; i++ {
				outBT[i] = row[i]
				if summary != nil {
					outBT[i] += summary[i]
				}
			}
		}
	}
}

// embedBackward accumulates position gradients into the embedding rows they
// were looked up from. The memory summary is detached and gets no gradient.
func embedBackward(dwte, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			drow := dwte[int(inp[b*T+t])*C:]
			for i := 0; i < C; i++ {
				drow[i] += doutBT[i]
			}
		}
	}
}

// layernormForward normalises every C-vector, then scales and shifts it.
// mean and rstd are (B, T) buffers kept for the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for bt := 0; bt < B*T; bt++ {
		x := inp[bt*C : (bt+1)*C]
		var m float64
		for _, v := range x {
			m += float64(v)
		}
		m /= float64(C)
		var variance float64
		for _, v := range x {
			d := float64(v) - m
			variance += d * d
		}
		variance /= float64(C)
		s := 1.0 / math.Sqrt(variance+eps)
		o := out[bt*C : (bt+1)*C]
		for i := range x {
			n := s * (float64(x[i]) - m)
			o[i] = float32(n*float64(weight[i]) + float64(bias[i]))
		}
		mean[bt] = float32(m)
		rstd[bt] = float32(s)
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for bt := 0; bt < B*T; bt++ {
		doutBT := dout[bt*C : (bt+1)*C]
		inpBT := inp[bt*C : (bt+1)*C]
		dinpBT := dinp[bt*C : (bt+1)*C]
		meanBT, rstdBT := mean[bt], rstd[bt]

		var dnormMean, dnormNormMean float32
		for i := 0; i < C; i++ {
			norm := (inpBT[i] - meanBT) * rstdBT
			dnorm := weight[i] * doutBT[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := 0; i < C; i++ {
			norm := (inpBT[i] - meanBT) * rstdBT
			dnorm := weight[i] * doutBT[i]
			dbias[i] += doutBT[i]
			dweight[i] += norm * doutBT[i]
			dinpBT[i] += (dnorm - dnormMean - norm*dnormNormMean) * rstdBT
		}
	}
}

// matmulForward computes out = inp · weightᵀ + bias with weight shaped (OC, C).
// bias may be nil.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for bt := 0; bt < B*T; bt++ {
		wg.Add(1)
		go func(bt int) {
			defer wg.Done()
			inpBT := inp[bt*C : (bt+1)*C]
			outBT := out[bt*OC : (bt+1)*OC]
			for o := 0; o < OC; o++ {
				var val float64
				if bias != nil {
					val = float64(bias[o])
				}
				wrow := weight[o*C : (o+1)*C]
				for i := 0; i < C; i++ {
					val += float64(inpBT[i]) * float64(wrow[i])
				}
				outBT[o] = float32(val)
			}
		}(bt)
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	// into inp, parallel over positions
	for bt := 0; bt < B*T; bt++ {
		wg.Add(1)
		go func(bt int) {
			defer wg.Done()
			doutBT := dout[bt*OC : (bt+1)*OC]
			dinpBT := dinp[bt*C : (bt+1)*C]
			for o := 0; o < OC; o++ {
				wrow := weight[o*C : (o+1)*C]
				d := doutBT[o]
				for i := 0; i < C; i++ {
					dinpBT[i] += wrow[i] * d
				}
			}
		}(bt)
	}
	wg.Wait()
	// into weight and bias, parallel over output channels
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C : (o+1)*C]
			for bt := 0; bt < B*T; bt++ {
				d := dout[bt*OC+o]
				if dbias != nil {
					dbias[o] += d
				}
				inpBT := inp[bt*C : (bt+1)*C]
				for i := 0; i < C; i++ {
					dwrow[i] += inpBT[i] * d
				}
			}
		}(o)
	}
	wg.Wait()
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		logitsBT := logits[bt*V : (bt+1)*V]
		probsBT := probs[bt*V : (bt+1)*V]
		maxval := logitsBT[0]
		for _, l := range logitsBT[1:] {
			if l > maxval {
				maxval = l
			}
		}
		var sum float64
		for i, l := range logitsBT {
			probsBT[i] = float32(math.Exp(float64(l - maxval)))
			sum += float64(probsBT[i])
		}
		for i := range probsBT {
			probsBT[i] /= float32(sum)
		}
	}
}

func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		prob := probs[bt*V+int(targets[bt])]
		losses[bt] = float32(-math.Log(float64(prob)))
	}
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		dloss := dlosses[bt]
		if dloss == 0 {
			continue
		}
		dlogitsBT := dlogits[bt*V : (bt+1)*V]
		probsBT := probs[bt*V : (bt+1)*V]
		ix := int(targets[bt])
		for i, p := range probsBT {
			var indicator float32
			if i == ix {
				indicator = 1
			}
			dlogitsBT[i] += (p - indicator) * dloss
		}
	}
}
