package stats

import (
	"math"
	"strings"
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestCounter(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("reader.chunks")
	c.Add(2)
	c.Add(3)
	test.That(t, c.Value(), test.ShouldEqual, 5)
	test.That(t, r.Counter("reader.chunks"), test.ShouldEqual, c)
}

func TestVariable(t *testing.T) {
	r := NewRegistry()
	v := r.Variable("copy.splats")
	test.That(t, math.IsNaN(v.Mean()), test.ShouldBeTrue)
	for _, s := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		v.Add(s)
	}
	test.That(t, v.Count(), test.ShouldEqual, 8)
	test.That(t, v.Mean(), test.ShouldAlmostEqual, 5)
	test.That(t, v.Stddev(), test.ShouldAlmostEqual, 2.138089935299395, 1e-12)
}

func TestConcurrentAdds(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Counter("c").Add(1)
				r.Variable("v").Add(1)
			}
		}()
	}
	wg.Wait()
	test.That(t, r.Counter("c").Value(), test.ShouldEqual, 8000)
	test.That(t, r.Variable("v").Count(), test.ShouldEqual, 8000)
}

func TestDump(t *testing.T) {
	r := NewRegistry()
	r.Counter("b").Add(1)
	r.Counter("a").Add(2)
	var sb strings.Builder
	test.That(t, r.Dump(&sb), test.ShouldBeNil)
	test.That(t, sb.String(), test.ShouldEqual, "a: 2\nb: 1\n")
}
