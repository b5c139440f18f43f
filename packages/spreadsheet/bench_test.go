package spreadsheet

import (
	"fmt"
	"testing"
)

func BenchmarkLargeCellPopulation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		w := NewWorkbook()
		for row := 1; row <= 100; row++ {
			for col := 0; col < 26; col++ {
				w.Set(fmt.Sprintf("Sheet1!%s%d", ColumnName(uint32(col)), row), float64(row*(col+1)))
			}
		}
	}
}

func BenchmarkFormulaDependencyChain(b *testing.B) {
	w := NewWorkbook()
	w.Set("A1", 1.0)
	for i := 2; i <= 100; i++ {
		w.Set(fmt.Sprintf("A%d", i), fmt.Sprintf("=A%d+1", i-1))
	}
	w.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A1", float64(i))
		w.Recalculate()
	}
}

func BenchmarkWideDependencyFanOut(b *testing.B) {
	for _, parallelism := range []int{1, 4} {
		b.Run(fmt.Sprintf("parallelism=%d", parallelism), func(b *testing.B) {
			w := NewWorkbook(WithParallelism(parallelism))
			w.Set("A1", 100.0)
			for i := 2; i <= 500; i++ {
				w.Set(fmt.Sprintf("B%d", i), "=A1*2")
			}
			w.Recalculate()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				w.Set("A1", float64(i))
				w.Recalculate()
			}
		})
	}
}

func BenchmarkLargeRangeSUM(b *testing.B) {
	w := NewWorkbook()
	for i := 1; i <= 1000; i++ {
		w.Set(fmt.Sprintf("A%d", i), float64(i))
	}
	w.Set("B1", "=SUM(A1:A1000)")
	w.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A500", float64(i))
		w.Recalculate()
	}
}

func BenchmarkComplexNestedFormulas(b *testing.B) {
	w := NewWorkbook()
	for i := 1; i <= 20; i++ {
		w.Set(fmt.Sprintf("A%d", i), float64(i))
		w.Set(fmt.Sprintf("B%d", i), float64(i*2))
	}
	w.Set("C1", "=IF(AVERAGE(A1:A20)>10, SUM(B1:B20), MAX(A1:A20))")
	w.Set("D1", "=ROUND(SQRT(C1)*PI(), 2)")
	w.Set("E1", "=IF(D1>100, MIN(A1:A20), MIN(B1:B20))")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A1", float64(i))
		w.Recalculate()
	}
}

func BenchmarkVolatileFunctions(b *testing.B) {
	w := NewWorkbook()
	for i := 1; i <= 50; i++ {
		w.Set(fmt.Sprintf("A%d", i), "=RAND()")
		w.Set(fmt.Sprintf("B%d", i), fmt.Sprintf("=A%d*100", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Recalculate()
	}
}

func BenchmarkMultiWorksheetReferences(b *testing.B) {
	w := NewWorkbook(WithConfig(Config{Worksheets: []string{"Sheet1", "Data", "Summary"}}))
	for i := 1; i <= 100; i++ {
		w.Set(fmt.Sprintf("Data!A%d", i), float64(i))
	}
	w.Set("Summary!A1", "=SUM(Data!A1:A100)")
	w.Set("Summary!B1", "=AVERAGE(Data!A1:A100)")
	w.Set("Summary!C1", "=MAX(Data!A1:A100)")
	w.Set("Summary!D1", "=MIN(Data!A1:A100)")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("Data!A1", float64(i))
		w.Recalculate()
	}
}

func BenchmarkCascadingUpdates(b *testing.B) {
	w := NewWorkbook()
	for row := 1; row <= 50; row++ {
		for col := uint32(0); col < 10; col++ {
			addr := fmt.Sprintf("%s%d", ColumnName(col), row)
			if col == 0 {
				w.Set(addr, float64(row))
			} else {
				w.Set(addr, fmt.Sprintf("=%s%d*2", ColumnName(col-1), row))
			}
		}
	}
	w.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A1", float64(i%100))
		w.Recalculate()
	}
}

func BenchmarkSparseMatrix(b *testing.B) {
	w := NewWorkbook()
	for i := 1; i <= 1000; i += 10 {
		for j := uint32(0); j < 1000; j += 10 {
			w.Set(fmt.Sprintf("%s%d", ColumnName(j), i), float64(i)+float64(j))
		}
	}
	// far beyond the expansion limit, so the range is observed as a whole
	w.Set("ZZ1", "=SUM(A1:ALL1000)")
	w.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("K11", float64(i))
		w.Recalculate()
	}
}

func BenchmarkCircularReferenceDetection(b *testing.B) {
	for i := 0; i < b.N; i++ {
		w := NewWorkbook()
		w.Set("A1", "=B1+C1")
		w.Set("B1", "=C1+D1")
		w.Set("C1", "=D1+E1")
		w.Set("D1", "=E1+F1")
		w.Set("E1", "=F1+G1")
		w.Set("F1", "=G1+H1")
		w.Set("G1", "=H1+A1")
		w.Set("H1", "=A1")
		w.Recalculate()
	}
}

func BenchmarkConvergingCycle(b *testing.B) {
	w := NewWorkbook()
	w.Set("A1", "=B1/2+1")
	w.Set("B1", "=A1/2")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.DependencyGraph().MarkDirty(CellAddress{WorksheetID: 1, Row: 0, Column: 0})
		w.Recalculate()
	}
}

func BenchmarkManySmallFormulas(b *testing.B) {
	w := NewWorkbook()
	for row := 1; row <= 100; row++ {
		w.Set(fmt.Sprintf("A%d", row), float64(row))
		w.Set(fmt.Sprintf("B%d", row), fmt.Sprintf("=A%d*2", row))
		w.Set(fmt.Sprintf("C%d", row), fmt.Sprintf("=B%d+A%d", row, row))
		w.Set(fmt.Sprintf("D%d", row), fmt.Sprintf("=C%d/2", row))
	}
	w.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for row := 1; row <= 100; row++ {
			w.Set(fmt.Sprintf("A%d", row), float64(row+i))
		}
		w.Recalculate()
	}
}

func BenchmarkStringConcatenation(b *testing.B) {
	w := NewWorkbook()
	for i := 1; i <= 100; i++ {
		w.Set(fmt.Sprintf("A%d", i), fmt.Sprintf("text%d", i))
		w.Set(fmt.Sprintf("B%d", i), fmt.Sprintf(`=A%d&"-suffix"`, i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A1", fmt.Sprintf("text%d", i))
		w.Recalculate()
	}
}

func BenchmarkConditionalLogic(b *testing.B) {
	w := NewWorkbook()
	for i := 1; i <= 200; i++ {
		w.Set(fmt.Sprintf("A%d", i), float64(i))
		w.Set(fmt.Sprintf("B%d", i), fmt.Sprintf(`=IF(A%d>100, A%d*2, A%d/2)`, i, i, i))
		w.Set(fmt.Sprintf("C%d", i), fmt.Sprintf(`=AND(A%d>50, A%d<150)`, i, i))
		w.Set(fmt.Sprintf("D%d", i), fmt.Sprintf(`=OR(A%d<25, A%d>175)`, i, i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A100", float64(i))
		w.Recalculate()
	}
}

func BenchmarkDirtyPropagation(b *testing.B) {
	w := NewWorkbook()
	grid := uint32(20)
	for row := uint32(1); row <= grid; row++ {
		for col := uint32(0); col < grid; col++ {
			addr := fmt.Sprintf("%s%d", ColumnName(col), row)
			switch {
			case row == 1 && col == 0:
				w.Set(addr, 1.0)
			case row == 1:
				w.Set(addr, fmt.Sprintf("=%s%d+1", ColumnName(col-1), row))
			case col == 0:
				w.Set(addr, fmt.Sprintf("=%s%d+1", ColumnName(col), row-1))
			default:
				w.Set(addr, fmt.Sprintf("=%s%d+%s%d", ColumnName(col-1), row, ColumnName(col), row-1))
			}
		}
	}
	w.Recalculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set("A1", float64(i%100))
		w.Recalculate()
	}
}

func BenchmarkCompile(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Compile("=IF(SUM(A1:A10)>5, ROUND(B2*C3^2, 2), \"small\" & D4)", CompileOptions{})
	}
}
